package pnr

import (
	"fmt"

	"github.com/beevik/etree"
	"github.com/savegress/xdsmediator/internal/datatypes"
	"github.com/savegress/xdsmediator/internal/xdsmeta"
)

// Category classifies an identifier occurrence.
type Category int

const (
	CategoryPatient Category = iota
	CategoryProvider
	CategoryFacility
)

func (c Category) String() string {
	switch c {
	case CategoryPatient:
		return "patient"
	case CategoryProvider:
		return "healthcare worker"
	case CategoryFacility:
		return "facility"
	}
	return "unknown"
}

// Key identifies a unique resolution unit: occurrences sharing category and
// identifier collapse onto one key.
type Key struct {
	Category   Category
	Identifier datatypes.Identifier
}

// Site is a handle into the DOM sufficient to overwrite one identifier
// occurrence with its enterprise value.
type Site interface {
	Rewrite(enterprise datatypes.Identifier)
}

type patientSite struct {
	ei *etree.Element
}

func (s patientSite) Rewrite(enterprise datatypes.Identifier) {
	// CreateAttr replaces an existing attribute in place, keeping the
	// attribute order of the original document.
	s.ei.CreateAttr("value", enterprise.CX())
}

type providerSite struct {
	value  *etree.Element
	person datatypes.XCNPerson
}

func (s providerSite) Rewrite(enterprise datatypes.Identifier) {
	s.value.SetText(s.person.Rewrite(enterprise))
}

type facilitySite struct {
	value *etree.Element
	org   datatypes.XONOrganization
}

func (s facilitySite) Rewrite(enterprise datatypes.Identifier) {
	s.value.SetText(s.org.Rewrite(enterprise))
}

// Occurrence is one unique (category, identifier) pair together with every
// DOM site that carries it and the error-context rendering for failures.
type Occurrence struct {
	Category   Category
	Identifier datatypes.Identifier
	Context    string
	Sites      []Site
}

// Key returns the resolution key for the occurrence.
func (o *Occurrence) Key() Key {
	return Key{Category: o.Category, Identifier: o.Identifier}
}

// Extract enumerates every patient, provider, and facility identifier in
// the transaction. Duplicates collapse into a single occurrence bearing
// multiple sites; order is the order of first appearance.
func Extract(req *Request) ([]*Occurrence, error) {
	byKey := map[Key]*Occurrence{}
	var ordered []*Occurrence

	add := func(cat Category, id datatypes.Identifier, context string, site Site) {
		key := Key{Category: cat, Identifier: id}
		occ, ok := byKey[key]
		if !ok {
			occ = &Occurrence{Category: cat, Identifier: id, Context: context}
			byKey[key] = occ
			ordered = append(ordered, occ)
		}
		occ.Sites = append(occ.Sites, site)
	}

	// SubmissionSet patient id.
	if ei := xdsmeta.ExternalIdentifier(req.Root, req.SubmissionSet, xdsmeta.UUIDSubmissionSetPatientID); ei != nil {
		id, err := datatypes.ParseCX(ei.SelectAttrValue("value", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid SubmissionSet patientId: %w", err)
		}
		add(CategoryPatient, id, id.CX(), patientSite{ei: ei})
	}

	for _, eo := range req.DocumentEntries {
		// DocumentEntry patient id.
		if ei := xdsmeta.ExternalIdentifier(req.Root, eo, xdsmeta.UUIDDocEntryPatientID); ei != nil {
			id, err := datatypes.ParseCX(ei.SelectAttrValue("value", ""))
			if err != nil {
				return nil, fmt.Errorf("invalid DocumentEntry patientId: %w", err)
			}
			add(CategoryPatient, id, id.CX(), patientSite{ei: ei})
		}

		// Author person and institution carried on the author classification.
		for _, cl := range xdsmeta.Classifications(req.Root, eo, xdsmeta.UUIDDocEntryAuthor) {
			for _, v := range xdsmeta.SlotValues(cl, xdsmeta.SlotAuthorPerson) {
				person, err := datatypes.ParseXCN(v.Text())
				if err != nil {
					continue
				}
				add(CategoryProvider, person.Identifier, person.Identifier.XCN(),
					providerSite{value: v, person: person})
			}
			for _, v := range xdsmeta.SlotValues(cl, xdsmeta.SlotAuthorInstitution) {
				org, err := datatypes.ParseXON(v.Text())
				if err != nil || org.Identifier.Value == "" {
					continue
				}
				add(CategoryFacility, org.Identifier, org.ErrorContext(),
					facilitySite{value: v, org: org})
			}
		}
	}

	return ordered, nil
}
