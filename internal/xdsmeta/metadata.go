package xdsmeta

import (
	"fmt"

	"github.com/beevik/etree"
)

// Well-known XDS.b identification scheme and classification node UUIDs.
const (
	UUIDSubmissionSet          = "urn:uuid:a54d6aa5-d40d-43f9-88c5-b4633d873bdd"
	UUIDSubmissionSetPatientID = "urn:uuid:6b5aea1a-874d-4603-a4bc-96a0a7b38446"
	UUIDSubmissionSetUniqueID  = "urn:uuid:96fdda7c-d067-4183-912e-bf5ee74998a8"
	UUIDDocEntryPatientID      = "urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427"
	UUIDDocEntryUniqueID       = "urn:uuid:2e82c1f6-a085-4c72-9da3-8640a32e42ab"
	UUIDDocEntryAuthor         = "urn:uuid:93606bcf-9494-43ec-9b4e-a7748d1a838d"
)

// Well-known slot names.
const (
	SlotAuthorPerson      = "authorPerson"
	SlotAuthorInstitution = "authorInstitution"
	SlotSourcePatientInfo = "sourcePatientInfo"
	SlotSourcePatientID   = "sourcePatientId"
)

// FindAll returns every descendant of el (el included) whose local tag name
// matches local, ignoring namespace prefixes.
func FindAll(el *etree.Element, local string) []*etree.Element {
	var out []*etree.Element
	if el.Tag == local {
		out = append(out, el)
	}
	for _, child := range el.ChildElements() {
		out = append(out, FindAll(child, local)...)
	}
	return out
}

// FindFirst returns the first descendant of el with the given local tag name.
func FindFirst(el *etree.Element, local string) *etree.Element {
	if found := FindAll(el, local); len(found) > 0 {
		return found[0]
	}
	return nil
}

// ObjectID returns the registry object id attribute.
func ObjectID(obj *etree.Element) string {
	return obj.SelectAttrValue("id", "")
}

// SubmissionSet locates the RegistryPackage classified as an
// XDSSubmissionSet. Classifications may be nested inside the package or be
// siblings referencing it through classifiedObject.
func SubmissionSet(root *etree.Element) (*etree.Element, error) {
	classified := map[string]bool{}
	for _, cl := range FindAll(root, "Classification") {
		if cl.SelectAttrValue("classificationNode", "") == UUIDSubmissionSet {
			if obj := cl.SelectAttrValue("classifiedObject", ""); obj != "" {
				classified[obj] = true
			}
			if parent := cl.Parent(); parent != nil && parent.Tag == "RegistryPackage" {
				classified[ObjectID(parent)] = true
			}
		}
	}

	for _, rp := range FindAll(root, "RegistryPackage") {
		if classified[ObjectID(rp)] {
			return rp, nil
		}
	}
	return nil, fmt.Errorf("no RegistryPackage classified as XDSSubmissionSet")
}

// ExtrinsicObjects returns every document entry in the request.
func ExtrinsicObjects(root *etree.Element) []*etree.Element {
	return FindAll(root, "ExtrinsicObject")
}

// ExternalIdentifier locates the ExternalIdentifier for obj with the given
// identification scheme, whether nested under obj or referencing it through
// registryObject.
func ExternalIdentifier(root, obj *etree.Element, scheme string) *etree.Element {
	id := ObjectID(obj)
	for _, ei := range FindAll(obj, "ExternalIdentifier") {
		if ei.SelectAttrValue("identificationScheme", "") == scheme {
			return ei
		}
	}
	for _, ei := range FindAll(root, "ExternalIdentifier") {
		if ei.SelectAttrValue("identificationScheme", "") == scheme &&
			ei.SelectAttrValue("registryObject", "") == id {
			return ei
		}
	}
	return nil
}

// ExternalIdentifierValue returns the value of the ExternalIdentifier for
// obj with the given scheme, or "" when absent.
func ExternalIdentifierValue(root, obj *etree.Element, scheme string) string {
	if ei := ExternalIdentifier(root, obj, scheme); ei != nil {
		return ei.SelectAttrValue("value", "")
	}
	return ""
}

// Classifications returns the classifications of obj with the given
// classification scheme, nested or referenced through classifiedObject.
func Classifications(root, obj *etree.Element, scheme string) []*etree.Element {
	id := ObjectID(obj)
	seen := map[*etree.Element]bool{}
	var out []*etree.Element
	for _, cl := range FindAll(obj, "Classification") {
		if cl.SelectAttrValue("classificationScheme", "") == scheme {
			seen[cl] = true
			out = append(out, cl)
		}
	}
	for _, cl := range FindAll(root, "Classification") {
		if seen[cl] {
			continue
		}
		if cl.SelectAttrValue("classificationScheme", "") == scheme &&
			cl.SelectAttrValue("classifiedObject", "") == id {
			out = append(out, cl)
		}
	}
	return out
}

// SlotValues returns the rim:Value elements of the named slot under el.
func SlotValues(el *etree.Element, name string) []*etree.Element {
	for _, slot := range FindAll(el, "Slot") {
		if slot.SelectAttrValue("name", "") != name {
			continue
		}
		return FindAll(slot, "Value")
	}
	return nil
}

// SlotValueStrings returns the text of the named slot's values.
func SlotValueStrings(el *etree.Element, name string) []string {
	var out []string
	for _, v := range SlotValues(el, name) {
		out = append(out, v.Text())
	}
	return out
}

// MimeType returns the mimeType attribute of a document entry.
func MimeType(obj *etree.Element) string {
	return obj.SelectAttrValue("mimeType", "")
}

// Documents returns the xdsb:Document payload elements keyed by their id.
func Documents(root *etree.Element) map[string]*etree.Element {
	out := map[string]*etree.Element{}
	for _, doc := range FindAll(root, "Document") {
		if id := doc.SelectAttrValue("id", ""); id != "" {
			out[id] = doc
		}
	}
	return out
}
