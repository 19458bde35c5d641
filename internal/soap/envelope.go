package soap

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/beevik/etree"
)

// ContentTypeSOAP is the SOAP 1.2 media type used on the wire.
const ContentTypeSOAP = "application/soap+xml"

// Envelope wraps a parsed SOAP document. The underlying etree document
// preserves namespace prefixes and attribute order so the body can be
// rewritten in place and serialized back wire-identical.
type Envelope struct {
	Doc    *etree.Document
	Header *etree.Element
	Body   *etree.Element
}

// Parse reads a SOAP envelope, locating Header and Body by local name.
func Parse(data []byte) (*Envelope, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}

	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return nil, fmt.Errorf("document root is not a SOAP Envelope")
	}

	env := &Envelope{Doc: doc}
	for _, child := range root.ChildElements() {
		switch child.Tag {
		case "Header":
			env.Header = child
		case "Body":
			env.Body = child
		}
	}

	if env.Body == nil {
		return nil, fmt.Errorf("envelope has no Body")
	}

	return env, nil
}

// Serialize writes the envelope back to bytes.
func (e *Envelope) Serialize() ([]byte, error) {
	out, err := e.Doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return out, nil
}

// ExtractRoot unwraps an MTOM/XOP package: for multipart/related content it
// returns the root part and the remaining parts keyed by Content-ID; plain
// SOAP payloads pass through untouched.
func ExtractRoot(body []byte, contentType string) ([]byte, map[string][]byte, error) {
	if contentType == "" {
		return body, nil, nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse content type: %w", err)
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return body, nil, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, nil, fmt.Errorf("multipart content without boundary")
	}
	start := strings.Trim(params["start"], "<>")

	reader := multipart.NewReader(bytes.NewReader(body), boundary)

	var root []byte
	attachments := map[string][]byte{}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read MTOM part: %w", err)
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read MTOM part body: %w", err)
		}

		contentID := strings.Trim(part.Header.Get("Content-ID"), "<>")
		if root == nil && (start == "" || contentID == start) {
			root = data
			continue
		}
		if contentID != "" {
			attachments[contentID] = data
		}
	}

	if root == nil {
		return nil, nil, fmt.Errorf("MTOM package has no root part")
	}

	return root, attachments, nil
}
