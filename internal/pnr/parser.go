package pnr

import (
	"fmt"

	"github.com/beevik/etree"
	"github.com/savegress/xdsmediator/internal/soap"
	"github.com/savegress/xdsmediator/internal/xdsmeta"
)

// Request is a parsed Provide-and-Register transaction: the live DOM plus
// the located registry objects. The DOM is owned by a single transaction
// and is never shared.
type Request struct {
	Envelope        *soap.Envelope
	Root            *etree.Element
	SubmissionSet   *etree.Element
	DocumentEntries []*etree.Element
	Attachments     map[string][]byte
}

// Parse decodes a PnR SOAP envelope and locates the SubmissionSet and
// every DocumentEntry. A missing SubmissionSet or unparseable envelope is
// a malformed request.
func Parse(data []byte) (*Request, error) {
	env, err := soap.Parse(data)
	if err != nil {
		return nil, err
	}
	return ParseBody(env)
}

// ParseBody locates the registry objects inside an already-parsed envelope.
// Parse calls it once the envelope is decoded.
func ParseBody(env *soap.Envelope) (*Request, error) {
	root := xdsmeta.FindFirst(env.Body, "ProvideAndRegisterDocumentSetRequest")
	if root == nil {
		// Some senders post the SubmitObjectsRequest bare.
		root = xdsmeta.FindFirst(env.Body, "SubmitObjectsRequest")
	}
	if root == nil {
		return nil, fmt.Errorf("body carries no ProvideAndRegisterDocumentSetRequest")
	}

	ss, err := xdsmeta.SubmissionSet(root)
	if err != nil {
		return nil, err
	}

	return &Request{
		Envelope:        env,
		Root:            root,
		SubmissionSet:   ss,
		DocumentEntries: xdsmeta.ExtrinsicObjects(root),
	}, nil
}

// Serialize writes the (possibly rewritten) transaction back to envelope
// bytes. Transport headers are part of the same DOM and come back untouched.
func (r *Request) Serialize() ([]byte, error) {
	return r.Envelope.Serialize()
}

// Document returns the payload element for a document entry id, if present.
func (r *Request) Document(entryID string) *etree.Element {
	return xdsmeta.Documents(r.Root)[entryID]
}
