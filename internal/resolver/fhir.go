package resolver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/datatypes"
	"github.com/savegress/xdsmediator/pkg/models"
)

// FHIRClient talks to a FHIR R4 MPI / client registry. Requests carry Basic
// auth with the configured client name and password.
type FHIRClient struct {
	baseURL    string
	clientName string
	password   string
	systemURI  string
	httpClient *http.Client
	log        *zap.Logger
}

// FHIRClientConfig holds FHIR MPI client configuration.
type FHIRClientConfig struct {
	BaseURL    string
	ClientName string
	Password   string
	SystemURI  string
	Timeout    time.Duration
}

// NewFHIRClient creates a FHIR MPI client.
func NewFHIRClient(cfg *FHIRClientConfig, log *zap.Logger) *FHIRClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &FHIRClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		clientName: cfg.ClientName,
		password:   cfg.Password,
		systemURI:  cfg.SystemURI,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (c *FHIRClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")
	req.SetBasicAuth(c.clientName, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var outcome models.OperationOutcome
		if err := json.Unmarshal(respBody, &outcome); err == nil && len(outcome.Issue) > 0 {
			return nil, fmt.Errorf("FHIR error %d: %s - %s",
				resp.StatusCode, outcome.Issue[0].Code, outcome.Issue[0].Diagnostics)
		}
		return nil, fmt.Errorf("FHIR error %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// Resolve implements Resolver: a Patient search by source identifier. The
// enterprise identifier is the Patient identifier whose system equals the
// configured enterprise system URI.
func (c *FHIRClient) Resolve(ctx context.Context, id datatypes.Identifier, target datatypes.AssigningAuthority) (*datatypes.Identifier, error) {
	system := id.Authority.UniversalID
	if system == "" {
		system = id.Authority.NamespaceID
	}

	params := url.Values{}
	params.Set("identifier", system+"|"+id.Value)

	c.log.Info("resolving identifier through FHIR MPI",
		zap.String("identifier", id.CX()),
		zap.String("system", system))

	respBody, err := c.doRequest(ctx, http.MethodGet, "/Patient?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var bundle models.Bundle
	if err := json.Unmarshal(respBody, &bundle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bundle: %w", err)
	}

	if len(bundle.Entry) == 0 {
		return nil, nil
	}

	patient := bundle.Entry[0].Resource
	for _, identifier := range patient.Identifier {
		if identifier.System == c.systemURI {
			resolved := datatypes.NewIdentifier(identifier.Value, target)
			return &resolved, nil
		}
	}

	return nil, nil
}

// Register implements IdentityFeed: a Patient create. An embedded FHIR
// resource is posted verbatim; otherwise the resource is assembled from the
// PnR demographics.
func (c *FHIRClient) Register(ctx context.Context, patient *RegisterPatient) error {
	body := patient.FHIRResource
	if body == nil {
		resource := buildFHIRPatient(patient)
		encoded, err := json.Marshal(resource)
		if err != nil {
			return fmt.Errorf("failed to marshal patient: %w", err)
		}
		body = encoded
	}

	c.log.Info("registering new patient through FHIR MPI",
		zap.Int("identifiers", len(patient.PatientIdentifiers)))

	if _, err := c.doRequest(ctx, http.MethodPost, "/Patient", body); err != nil {
		return fmt.Errorf("failed to register new patient: %w", err)
	}
	return nil
}

func buildFHIRPatient(patient *RegisterPatient) *models.Patient {
	resource := &models.Patient{
		ResourceType: models.ResourceTypePatient,
		Gender:       fhirGender(patient.Gender),
		BirthDate:    fhirDate(patient.BirthDate),
	}

	for _, id := range patient.PatientIdentifiers {
		system := id.Authority.UniversalID
		if system == "" {
			system = id.Authority.NamespaceID
		}
		resource.Identifier = append(resource.Identifier, models.Identifier{
			System: system,
			Value:  id.Value,
		})
	}

	if patient.GivenName != "" || patient.FamilyName != "" {
		name := models.HumanName{Family: patient.FamilyName}
		if patient.GivenName != "" {
			name.Given = []string{patient.GivenName}
		}
		resource.Name = []models.HumanName{name}
	}

	if patient.Telecom != "" {
		resource.Telecom = []models.ContactPoint{{Value: patient.Telecom}}
	}

	if patient.LanguageCommunicationCode != "" {
		resource.Communication = []models.PatientCommunication{{
			Language: &models.CodeableConcept{
				Coding: []models.Coding{{Code: patient.LanguageCommunicationCode}},
			},
		}}
	}

	return resource
}

func fhirGender(code string) string {
	switch strings.ToUpper(code) {
	case "F", "FEMALE":
		return "female"
	case "M", "MALE":
		return "male"
	case "":
		return ""
	}
	return "other"
}

// fhirDate converts an HL7 DTM day precision value to a FHIR date.
func fhirDate(dtm string) string {
	if len(dtm) >= 8 {
		return dtm[0:4] + "-" + dtm[4:6] + "-" + dtm[6:8]
	}
	return dtm
}
