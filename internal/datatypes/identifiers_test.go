package datatypes

import "testing"

func TestParseCX(t *testing.T) {
	id, err := ParseCX("1111111111^^^&1.2.3&ISO")
	if err != nil {
		t.Fatalf("ParseCX returned error: %v", err)
	}

	if id.Value != "1111111111" {
		t.Errorf("expected value 1111111111, got %s", id.Value)
	}
	if id.Authority.NamespaceID != "" {
		t.Errorf("expected empty namespace, got %s", id.Authority.NamespaceID)
	}
	if id.Authority.UniversalID != "1.2.3" {
		t.Errorf("expected universal id 1.2.3, got %s", id.Authority.UniversalID)
	}
	if id.Authority.UniversalIDType != "ISO" {
		t.Errorf("expected id type ISO, got %s", id.Authority.UniversalIDType)
	}
}

func TestParseCX_WithNamespace(t *testing.T) {
	id, err := ParseCX("pat1^^^NIST2010&2.16.840.1.113883.3.72.5.9.1&ISO")
	if err != nil {
		t.Fatalf("ParseCX returned error: %v", err)
	}

	if id.Authority.NamespaceID != "NIST2010" {
		t.Errorf("expected namespace NIST2010, got %s", id.Authority.NamespaceID)
	}
	if id.Authority.UniversalID != "2.16.840.1.113883.3.72.5.9.1" {
		t.Errorf("unexpected universal id %s", id.Authority.UniversalID)
	}
}

func TestParseCX_Invalid(t *testing.T) {
	for _, input := range []string{"", "   ", "^^^"} {
		if _, err := ParseCX(input); err == nil {
			t.Errorf("expected error for input %q", input)
		}
	}
}

func TestCXRoundTrip(t *testing.T) {
	// Empty inner fields must survive parse and render.
	in := "76cc765a442f410^^^&1.3.6.1.4.1.21367.2005.3.7&ISO"
	id, err := ParseCX(in)
	if err != nil {
		t.Fatalf("ParseCX returned error: %v", err)
	}
	if got := id.CX(); got != in {
		t.Errorf("round trip mismatch: got %s, want %s", got, in)
	}
}

func TestAuthorityString_TrimsTrailingEmpties(t *testing.T) {
	tests := []struct {
		authority AssigningAuthority
		want      string
	}{
		{NewAssigningAuthority("", "1.2.3", "ISO"), "&1.2.3&ISO"},
		{NewAssigningAuthority("", "1.2.3", ""), "&1.2.3"},
		{NewAssigningAuthority("ECID", "ECID", "ECID"), "ECID&ECID&ECID"},
		{NewAssigningAuthority("NS", "", ""), "NS"},
	}

	for _, tt := range tests {
		if got := tt.authority.String(); got != tt.want {
			t.Errorf("authority %+v: got %q, want %q", tt.authority, got, tt.want)
		}
	}
}

func TestAuthorityMatches(t *testing.T) {
	ecid := NewAssigningAuthority("ECID", "ECID", "ECID")

	if !ecid.Matches(NewAssigningAuthority("ECID", "", "")) {
		t.Error("expected namespace match")
	}
	if !ecid.Matches(NewAssigningAuthority("", "ECID", "")) {
		t.Error("expected universal id match")
	}
	if ecid.Matches(NewAssigningAuthority("", "", "ECID")) {
		t.Error("id type alone must not match")
	}
	if ecid.Matches(NewAssigningAuthority("OTHER", "1.9.9", "ISO")) {
		t.Error("unrelated authority must not match")
	}
}

func TestParseXCN(t *testing.T) {
	p, err := ParseXCN("pro111^Smith^John^^^Dr^^^&1.2.3")
	if err != nil {
		t.Fatalf("ParseXCN returned error: %v", err)
	}

	if p.Identifier.Value != "pro111" {
		t.Errorf("expected value pro111, got %s", p.Identifier.Value)
	}
	if p.Identifier.Authority.UniversalID != "1.2.3" {
		t.Errorf("expected authority 1.2.3, got %s", p.Identifier.Authority.UniversalID)
	}
	if p.Components[1] != "Smith" || p.Components[2] != "John" {
		t.Errorf("name components not preserved: %v", p.Components)
	}
}

func TestXCNPerson_Rewrite_PreservesName(t *testing.T) {
	p, err := ParseXCN("pro111^Smith^John^^^Dr^^^&1.2.3")
	if err != nil {
		t.Fatalf("ParseXCN returned error: %v", err)
	}

	epid := NewIdentifier("EPID1", NewAssigningAuthority("EPID", "EPID", "EPID"))
	got := p.Rewrite(epid)
	want := "EPID1^Smith^John^^^Dr^^^EPID&EPID&EPID"
	if got != want {
		t.Errorf("rewrite: got %s, want %s", got, want)
	}
}

func TestXCNErrorContext(t *testing.T) {
	id := NewIdentifier("pro111", NewAssigningAuthority("", "1.2.3", ""))
	want := "pro111^^^^^^^^&1.2.3"
	if got := id.XCN(); got != want {
		t.Errorf("XCN context: got %q, want %q", got, want)
	}
}

func TestParseXON(t *testing.T) {
	o, err := ParseXON("Some Hospital^^^^^&1.2.3.4.5.6.7.8.9.1789^^^^45")
	if err != nil {
		t.Fatalf("ParseXON returned error: %v", err)
	}

	if o.Name != "Some Hospital" {
		t.Errorf("expected name Some Hospital, got %s", o.Name)
	}
	if o.Identifier.Value != "45" {
		t.Errorf("expected id 45, got %s", o.Identifier.Value)
	}
	if o.Identifier.Authority.UniversalID != "1.2.3.4.5.6.7.8.9.1789" {
		t.Errorf("unexpected authority %s", o.Identifier.Authority.UniversalID)
	}
}

func TestXONErrorContext(t *testing.T) {
	o, err := ParseXON("Some Hospital^^^^^&1.2.3.4.5.6.7.8.9.1789^^^^45")
	if err != nil {
		t.Fatalf("ParseXON returned error: %v", err)
	}

	want := "Some Hospital^^^^^&1.2.3.4.5.6.7.8.9.1789^^^^45"
	if got := o.ErrorContext(); got != want {
		t.Errorf("XON context: got %q, want %q", got, want)
	}
}

func TestXONOrganization_Rewrite(t *testing.T) {
	o, err := ParseXON("Some Hospital^^^^^&1.2.3.4.5.6.7.8.9.1789^^^^45")
	if err != nil {
		t.Fatalf("ParseXON returned error: %v", err)
	}

	elid := NewIdentifier("ELID1", NewAssigningAuthority("ELID", "ELID", "ELID"))
	got := o.Rewrite(elid)
	want := "Some Hospital^^^^^ELID&ELID&ELID^^^^ELID1"
	if got != want {
		t.Errorf("rewrite: got %s, want %s", got, want)
	}
}

func TestIdentifierEquality_AsMapKey(t *testing.T) {
	a := NewIdentifier("1111111111", NewAssigningAuthority("", "1.2.3", "ISO"))
	b := NewIdentifier("1111111111", NewAssigningAuthority("", "1.2.3", "ISO"))

	m := map[Identifier]int{}
	m[a]++
	m[b]++
	if len(m) != 1 || m[a] != 2 {
		t.Errorf("identifiers with equal triples must collapse to one key, got %v", m)
	}
}
