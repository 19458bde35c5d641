package pnr

import (
	"encoding/base64"
	"strings"

	"github.com/beevik/etree"
	"github.com/savegress/xdsmediator/internal/xdsmeta"
)

// Demographics is the patient demographic record derivable from a PnR
// document payload, used to seed an identity feed.
type Demographics struct {
	GivenName                 string
	FamilyName                string
	Gender                    string
	BirthDate                 string
	Telecom                   string
	LanguageCommunicationCode string
	FHIRResource              []byte
}

// IsEmpty reports whether nothing could be derived.
func (d *Demographics) IsEmpty() bool {
	return d == nil || (d.FHIRResource == nil && d.GivenName == "" && d.FamilyName == "" &&
		d.Gender == "" && d.BirthDate == "" && d.Telecom == "" && d.LanguageCommunicationCode == "")
}

// ExtractDemographics derives demographics from the document set. An
// embedded FHIR Patient resource wins; otherwise the CDA level-2 header of
// the first document that yields demographics is used, and failing that the
// DocumentEntry sourcePatientInfo slot. Returns nil when none of these
// yields anything.
func ExtractDemographics(req *Request) *Demographics {
	for _, eo := range req.DocumentEntries {
		mime := xdsmeta.MimeType(eo)
		if strings.HasPrefix(mime, "application/fhir+") {
			if content := req.documentContent(xdsmeta.ObjectID(eo)); content != nil {
				return &Demographics{FHIRResource: content}
			}
		}
	}

	for _, eo := range req.DocumentEntries {
		content := req.documentContent(xdsmeta.ObjectID(eo))
		if content == nil {
			continue
		}
		if d := parseCDADemographics(content); d != nil {
			return d
		}
	}

	for _, eo := range req.DocumentEntries {
		if d := parseSourcePatientInfo(xdsmeta.SlotValueStrings(eo, xdsmeta.SlotSourcePatientInfo)); d != nil {
			return d
		}
	}

	return nil
}

// parseSourcePatientInfo reads the DocumentEntry sourcePatientInfo slot,
// whose values are "PID-n|..." pairs.
func parseSourcePatientInfo(values []string) *Demographics {
	d := &Demographics{}
	for _, value := range values {
		field, rest, ok := strings.Cut(value, "|")
		if !ok {
			continue
		}
		switch field {
		case "PID-5":
			name := strings.Split(rest, "^")
			d.FamilyName = name[0]
			if len(name) > 1 {
				d.GivenName = name[1]
			}
		case "PID-7":
			d.BirthDate = rest
		case "PID-8":
			d.Gender = rest
		case "PID-13":
			d.Telecom = rest
		case "PID-15":
			d.LanguageCommunicationCode = rest
		}
	}
	if d.IsEmpty() {
		return nil
	}
	return d
}

// documentContent resolves a document payload: inline XML children are
// serialized as-is, text content is base64-decoded when possible, and XOP
// references are pulled from the MTOM attachments.
func (r *Request) documentContent(entryID string) []byte {
	doc := r.Document(entryID)
	if doc == nil {
		return nil
	}

	if include := xdsmeta.FindFirst(doc, "Include"); include != nil && include != doc {
		href := include.SelectAttrValue("href", "")
		href = strings.TrimPrefix(href, "cid:")
		if data, ok := r.Attachments[href]; ok {
			return data
		}
		return nil
	}

	if children := doc.ChildElements(); len(children) > 0 {
		sub := etree.NewDocument()
		sub.SetRoot(children[0].Copy())
		out, err := sub.WriteToBytes()
		if err != nil {
			return nil
		}
		return out
	}

	text := strings.TrimSpace(doc.Text())
	if text == "" {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(text)); err == nil {
		return decoded
	}
	return []byte(text)
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

// parseCDADemographics reads recordTarget/patientRole/patient of a CDA
// document. Returns nil when the payload is not a CDA header.
func parseCDADemographics(content []byte) *Demographics {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(content); err != nil {
		return nil
	}
	root := doc.Root()
	if root == nil {
		return nil
	}

	recordTarget := xdsmeta.FindFirst(root, "recordTarget")
	if recordTarget == nil {
		return nil
	}
	patientRole := xdsmeta.FindFirst(recordTarget, "patientRole")
	if patientRole == nil {
		return nil
	}

	d := &Demographics{}

	if telecom := xdsmeta.FindFirst(patientRole, "telecom"); telecom != nil {
		d.Telecom = telecom.SelectAttrValue("value", "")
	}

	patient := xdsmeta.FindFirst(patientRole, "patient")
	if patient == nil {
		return d
	}

	if name := xdsmeta.FindFirst(patient, "name"); name != nil {
		if given := xdsmeta.FindFirst(name, "given"); given != nil {
			d.GivenName = strings.TrimSpace(given.Text())
		}
		if family := xdsmeta.FindFirst(name, "family"); family != nil {
			d.FamilyName = strings.TrimSpace(family.Text())
		}
	}
	if gender := xdsmeta.FindFirst(patient, "administrativeGenderCode"); gender != nil {
		d.Gender = gender.SelectAttrValue("code", "")
	}
	if birth := xdsmeta.FindFirst(patient, "birthTime"); birth != nil {
		d.BirthDate = birth.SelectAttrValue("value", "")
	}
	if lang := xdsmeta.FindFirst(patient, "languageCommunication"); lang != nil {
		if code := xdsmeta.FindFirst(lang, "languageCode"); code != nil {
			d.LanguageCommunicationCode = code.SelectAttrValue("code", "")
		}
	}

	return d
}
