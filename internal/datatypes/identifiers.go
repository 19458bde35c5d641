package datatypes

import (
	"fmt"
	"strings"
)

// HL7 composite delimiters used by the CX/XCN/XON wire forms.
const (
	ComponentSeparator    = "^"
	SubcomponentSeparator = "&"
)

// AssigningAuthority identifies the domain an identifier belongs to (HL7 HD).
// At least one of the three parts is non-empty; equality is by the triple.
type AssigningAuthority struct {
	NamespaceID     string
	UniversalID     string
	UniversalIDType string
}

// NewAssigningAuthority creates an authority from its three parts.
func NewAssigningAuthority(namespaceID, universalID, universalIDType string) AssigningAuthority {
	return AssigningAuthority{
		NamespaceID:     namespaceID,
		UniversalID:     universalID,
		UniversalIDType: universalIDType,
	}
}

// IsEmpty reports whether no part of the authority is set.
func (a AssigningAuthority) IsEmpty() bool {
	return a.NamespaceID == "" && a.UniversalID == "" && a.UniversalIDType == ""
}

// Matches reports whether two authorities refer to the same domain. A match
// on either the namespace or the universal id is sufficient; the id type
// alone never matches.
func (a AssigningAuthority) Matches(other AssigningAuthority) bool {
	if a.NamespaceID != "" && a.NamespaceID == other.NamespaceID {
		return true
	}
	if a.UniversalID != "" && a.UniversalID == other.UniversalID {
		return true
	}
	return false
}

// String renders the authority in HD subcomponent form, trimming trailing
// empty subcomponents: "ns&uni&type", "ns&uni", "&uni" or "ns".
func (a AssigningAuthority) String() string {
	parts := []string{a.NamespaceID, a.UniversalID, a.UniversalIDType}
	last := len(parts)
	for last > 0 && parts[last-1] == "" {
		last--
	}
	return strings.Join(parts[:last], SubcomponentSeparator)
}

// ParseAuthority parses an HD subcomponent string ("ns&uni&type").
func ParseAuthority(s string) AssigningAuthority {
	sub := strings.Split(s, SubcomponentSeparator)
	a := AssigningAuthority{}
	if len(sub) > 0 {
		a.NamespaceID = sub[0]
	}
	if len(sub) > 1 {
		a.UniversalID = sub[1]
	}
	if len(sub) > 2 {
		a.UniversalIDType = sub[2]
	}
	return a
}

// Identifier is a value qualified by its assigning authority.
type Identifier struct {
	Value     string
	Authority AssigningAuthority
}

// NewIdentifier creates an identifier.
func NewIdentifier(value string, authority AssigningAuthority) Identifier {
	return Identifier{Value: value, Authority: authority}
}

// CX renders the identifier in HL7 CX form: "value^^^ns&uni&type".
func (id Identifier) CX() string {
	return id.Value + "^^^" + id.Authority.String()
}

// XCN renders the identifier in the nine-component XCN form used in error
// contexts: "value^^^^^^^^ns&uni&type".
func (id Identifier) XCN() string {
	return id.Value + "^^^^^^^^" + id.Authority.String()
}

// XON renders the identifier in the organization form used in error
// contexts: "name^^^^^ns&uni&type^^^^value". The organization name travels
// separately from the identifier, so it is a parameter.
func (id Identifier) XON(organizationName string) string {
	return organizationName + "^^^^^" + id.Authority.String() + "^^^^" + id.Value
}

func (id Identifier) String() string {
	return id.CX()
}

// splitComponents splits an HL7 composite on "^" preserving empty trailing
// components. strings.Split already keeps interior and trailing empties, so
// the helper exists to keep the contract in one place.
func splitComponents(s string) []string {
	return strings.Split(s, ComponentSeparator)
}

func component(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

// ParseCX parses an HL7 CX string: CX.1 id number, CX.4 assigning authority.
func ParseCX(s string) (Identifier, error) {
	if strings.TrimSpace(s) == "" {
		return Identifier{}, fmt.Errorf("empty CX value")
	}
	parts := splitComponents(s)
	id := Identifier{
		Value:     component(parts, 0),
		Authority: ParseAuthority(component(parts, 3)),
	}
	if id.Value == "" && id.Authority.IsEmpty() {
		return Identifier{}, fmt.Errorf("CX value %q carries no identifier", s)
	}
	return id, nil
}

// XCNPerson is a parsed XCN composite: the person identifier plus the name
// components that must survive an identifier rewrite.
type XCNPerson struct {
	Identifier Identifier
	Components []string
}

// ParseXCN parses an HL7 XCN string: XCN.1 id number, XCN.2-7 name parts,
// XCN.9 assigning authority. All components are retained for rewriting.
func ParseXCN(s string) (XCNPerson, error) {
	if strings.TrimSpace(s) == "" {
		return XCNPerson{}, fmt.Errorf("empty XCN value")
	}
	parts := splitComponents(s)
	p := XCNPerson{
		Identifier: Identifier{
			Value:     component(parts, 0),
			Authority: ParseAuthority(component(parts, 8)),
		},
		Components: parts,
	}
	if p.Identifier.Value == "" {
		return XCNPerson{}, fmt.Errorf("XCN value %q carries no person identifier", s)
	}
	return p, nil
}

// Rewrite returns the XCN string with the identifier replaced and every
// other component untouched. The component list is padded to nine so the
// assigning authority always lands in XCN.9.
func (p XCNPerson) Rewrite(enterprise Identifier) string {
	parts := make([]string, len(p.Components))
	copy(parts, p.Components)
	for len(parts) < 9 {
		parts = append(parts, "")
	}
	parts[0] = enterprise.Value
	parts[8] = enterprise.Authority.String()
	return strings.Join(parts, ComponentSeparator)
}

// XONOrganization is a parsed XON composite: the organization identifier
// plus the components (name included) preserved for rewriting.
type XONOrganization struct {
	Name       string
	Identifier Identifier
	Components []string
}

// ParseXON parses an HL7 XON string: XON.1 organization name, XON.6
// assigning authority, XON.10 id number.
func ParseXON(s string) (XONOrganization, error) {
	if strings.TrimSpace(s) == "" {
		return XONOrganization{}, fmt.Errorf("empty XON value")
	}
	parts := splitComponents(s)
	o := XONOrganization{
		Name: component(parts, 0),
		Identifier: Identifier{
			Value:     component(parts, 9),
			Authority: ParseAuthority(component(parts, 5)),
		},
		Components: parts,
	}
	if o.Identifier.Value == "" && o.Name == "" {
		return XONOrganization{}, fmt.Errorf("XON value %q carries no organization", s)
	}
	return o, nil
}

// Rewrite returns the XON string with the identifier replaced, the
// organization name and any other components untouched.
func (o XONOrganization) Rewrite(enterprise Identifier) string {
	parts := make([]string, len(o.Components))
	copy(parts, o.Components)
	for len(parts) < 10 {
		parts = append(parts, "")
	}
	parts[5] = enterprise.Authority.String()
	parts[9] = enterprise.Value
	return strings.Join(parts, ComponentSeparator)
}

// ErrorContext renders the identifier the way it is quoted inside a
// RegistryError codeContext. Patients use the CX form, providers the XCN
// form, organizations the XON form; the shapes are wire-contract.
func (o XONOrganization) ErrorContext() string {
	return o.Identifier.XON(o.Name)
}
