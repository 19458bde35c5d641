package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/datatypes"
	"github.com/savegress/xdsmediator/pkg/models"
)

const testSystemURI = "http://openclientregistry.org/fhir/sourceid"

func newTestFHIRClient(t *testing.T, handler http.HandlerFunc) *FHIRClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewFHIRClient(&FHIRClientConfig{
		BaseURL:    server.URL,
		ClientName: "mediator",
		Password:   "secret",
		SystemURI:  testSystemURI,
	}, zap.NewNop())
}

func TestFHIRResolve(t *testing.T) {
	var gotUser, gotPassword, gotQuery string

	client := newTestFHIRClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPassword, _ = r.BasicAuth()
		gotQuery = r.URL.Query().Get("identifier")

		bundle := models.Bundle{
			ResourceType: models.ResourceTypeBundle,
			Type:         "searchset",
			Total:        1,
			Entry: []models.BundleEntry{{
				Resource: models.Patient{
					ResourceType: models.ResourceTypePatient,
					Identifier: []models.Identifier{
						{System: "urn:other", Value: "ignored"},
						{System: testSystemURI, Value: "ECID1"},
					},
				},
			}},
		}
		json.NewEncoder(w).Encode(bundle)
	})

	id := datatypes.NewIdentifier("1111111111", datatypes.NewAssigningAuthority("", "1.2.3", "ISO"))
	target := datatypes.NewAssigningAuthority("ECID", "ECID", "ECID")

	resolved, err := client.Resolve(context.Background(), id, target)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved == nil {
		t.Fatal("expected a resolved identifier")
	}

	if resolved.Value != "ECID1" {
		t.Errorf("expected ECID1, got %s", resolved.Value)
	}
	if resolved.CX() != "ECID1^^^ECID&ECID&ECID" {
		t.Errorf("unexpected CX %s", resolved.CX())
	}

	// Basic auth: user is the client name, password the password.
	if gotUser != "mediator" || gotPassword != "secret" {
		t.Errorf("unexpected credentials %s/%s", gotUser, gotPassword)
	}
	if gotQuery != "1.2.3|1111111111" {
		t.Errorf("unexpected identifier token %q", gotQuery)
	}
}

func TestFHIRResolve_EmptyBundle(t *testing.T) {
	client := newTestFHIRClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.Bundle{ResourceType: models.ResourceTypeBundle, Type: "searchset"})
	})

	id := datatypes.NewIdentifier("nobody", datatypes.NewAssigningAuthority("", "1.2.3", "ISO"))
	resolved, err := client.Resolve(context.Background(), id, datatypes.NewAssigningAuthority("ECID", "ECID", "ECID"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved != nil {
		t.Errorf("expected not found, got %v", resolved)
	}
}

func TestFHIRResolve_NoEnterpriseIdentifier(t *testing.T) {
	client := newTestFHIRClient(t, func(w http.ResponseWriter, r *http.Request) {
		bundle := models.Bundle{
			ResourceType: models.ResourceTypeBundle,
			Entry: []models.BundleEntry{{
				Resource: models.Patient{
					ResourceType: models.ResourceTypePatient,
					Identifier:   []models.Identifier{{System: "urn:other", Value: "x"}},
				},
			}},
		}
		json.NewEncoder(w).Encode(bundle)
	})

	id := datatypes.NewIdentifier("1111111111", datatypes.NewAssigningAuthority("", "1.2.3", "ISO"))
	resolved, err := client.Resolve(context.Background(), id, datatypes.NewAssigningAuthority("ECID", "ECID", "ECID"))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved != nil {
		t.Errorf("a patient without the enterprise system must be a miss, got %v", resolved)
	}
}

func TestFHIRResolve_ServerError(t *testing.T) {
	client := newTestFHIRClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	id := datatypes.NewIdentifier("1111111111", datatypes.NewAssigningAuthority("", "1.2.3", "ISO"))
	if _, err := client.Resolve(context.Background(), id, datatypes.NewAssigningAuthority("ECID", "ECID", "ECID")); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestFHIRRegister_BuildsPatient(t *testing.T) {
	var posted models.Patient

	client := newTestFHIRClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/Patient" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&posted)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"resourceType":"Patient","id":"new"}`))
	})

	err := client.Register(context.Background(), &RegisterPatient{
		PatientIdentifiers: []datatypes.Identifier{
			datatypes.NewIdentifier("1111111111", datatypes.NewAssigningAuthority("", "1.2.3", "ISO")),
		},
		GivenName:                 "Jane",
		FamilyName:                "Doe",
		Gender:                    "F",
		BirthDate:                 "19860101",
		Telecom:                   "tel:+27832222222",
		LanguageCommunicationCode: "eng",
	})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if posted.ResourceType != "Patient" {
		t.Errorf("expected Patient resource, got %s", posted.ResourceType)
	}
	if len(posted.Identifier) != 1 || posted.Identifier[0].Value != "1111111111" {
		t.Errorf("unexpected identifiers %v", posted.Identifier)
	}
	if posted.Gender != "female" {
		t.Errorf("expected gender female, got %s", posted.Gender)
	}
	if posted.BirthDate != "1986-01-01" {
		t.Errorf("expected FHIR date, got %s", posted.BirthDate)
	}
	if len(posted.Name) != 1 || posted.Name[0].Family != "Doe" || posted.Name[0].Given[0] != "Jane" {
		t.Errorf("unexpected name %v", posted.Name)
	}
	if len(posted.Communication) != 1 || posted.Communication[0].Language.Coding[0].Code != "eng" {
		t.Errorf("unexpected communication %v", posted.Communication)
	}
}

func TestFHIRRegister_EmbeddedResourceVerbatim(t *testing.T) {
	raw := `{"resourceType":"Patient","id":"embedded","gender":"female"}`
	var body []byte

	client := newTestFHIRClient(t, func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		body = buf
		w.WriteHeader(http.StatusCreated)
	})

	err := client.Register(context.Background(), &RegisterPatient{FHIRResource: []byte(raw)})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if string(body) != raw {
		t.Errorf("embedded resource must be posted verbatim, got %s", body)
	}
}

func TestFHIRRegister_Error(t *testing.T) {
	client := newTestFHIRClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"invalid","diagnostics":"missing identifier"}]}`))
	})

	err := client.Register(context.Background(), &RegisterPatient{})
	if err == nil {
		t.Fatal("expected error for rejected registration")
	}
}

func TestInternalResolver(t *testing.T) {
	ecid := datatypes.NewIdentifier("ECID1", datatypes.NewAssigningAuthority("ECID", "ECID", "ECID"))
	r := NewInternalResolver(&ecid)

	id := datatypes.NewIdentifier("1111111111", datatypes.NewAssigningAuthority("", "1.2.3", "ISO"))
	resolved, err := r.Resolve(context.Background(), id, ecid.Authority)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if resolved == nil || resolved.Value != "ECID1" {
		t.Errorf("expected ECID1, got %v", resolved)
	}

	miss := NewInternalResolver(nil)
	resolved, err = miss.Resolve(context.Background(), id, ecid.Authority)
	if err != nil || resolved != nil {
		t.Errorf("expected miss, got %v, %v", resolved, err)
	}

	mapped := &InternalResolver{Mappings: map[datatypes.Identifier]datatypes.Identifier{
		id: datatypes.NewIdentifier("ELID9", datatypes.NewAssigningAuthority("ELID", "ELID", "ELID")),
	}}
	resolved, err = mapped.Resolve(context.Background(), id, ecid.Authority)
	if err != nil || resolved == nil || resolved.Value != "ELID9" {
		t.Errorf("expected mapped ELID9, got %v, %v", resolved, err)
	}
}
