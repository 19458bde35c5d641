package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/audit"
	"github.com/savegress/xdsmediator/internal/hl7v2"
)

// PIXIdentityFeed registers patients with the MPI through an HL7v2 identity
// feed (ADT^A04 over MLLP).
type PIXIdentityFeed struct {
	client   *hl7v2.Client
	identity hl7v2.EndpointIdentity
	parser   *hl7v2.Parser
	auditor  *audit.Logger
	log      *zap.Logger
}

// NewPIXIdentityFeed creates an identity feed on top of an MLLP client.
func NewPIXIdentityFeed(client *hl7v2.Client, identity hl7v2.EndpointIdentity, auditor *audit.Logger, log *zap.Logger) *PIXIdentityFeed {
	return &PIXIdentityFeed{
		client:   client,
		identity: identity,
		parser:   hl7v2.NewParser(nil),
		auditor:  auditor,
		log:      log,
	}
}

// Register implements IdentityFeed.
func (f *PIXIdentityFeed) Register(ctx context.Context, patient *RegisterPatient) error {
	controlID := uuid.New().String()
	correlationID := audit.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = controlID
	}
	record := hl7v2.PatientRecord{
		Identifiers:  patient.PatientIdentifiers,
		GivenName:    patient.GivenName,
		FamilyName:   patient.FamilyName,
		Gender:       patient.Gender,
		BirthDate:    patient.BirthDate,
		Telecom:      patient.Telecom,
		LanguageCode: patient.LanguageCommunicationCode,
	}
	request := hl7v2.BuildADTA04(f.identity, controlID, record, time.Now())

	f.log.Info("registering new patient through identity feed",
		zap.Int("identifiers", len(patient.PatientIdentifiers)),
		zap.String("controlId", controlID))

	response, err := f.client.Send(ctx, request)
	if err != nil {
		f.recordAudit(patient, correlationID, string(request), false)
		return fmt.Errorf("identity feed failed: %w", err)
	}

	msg, err := f.parser.Parse(response)
	if err != nil {
		f.recordAudit(patient, correlationID, string(request), false)
		return fmt.Errorf("failed to parse identity feed acknowledgment: %w", err)
	}

	if ackErr := hl7v2.ParseACKError(msg); ackErr != "" {
		f.recordAudit(patient, correlationID, string(request), false)
		return fmt.Errorf("%s", strings.TrimSpace(ackErr))
	}

	f.recordAudit(patient, correlationID, string(request), true)
	return nil
}

func (f *PIXIdentityFeed) recordAudit(patient *RegisterPatient, correlationID, message string, outcome bool) {
	if f.auditor == nil {
		return
	}
	f.auditor.Record(&audit.Record{
		Type:                   audit.TypePIXIdentityFeed,
		ParticipantIdentifiers: patient.PatientIdentifiers,
		UniqueID:               correlationID,
		Outcome:                outcome,
		Message:                message,
	})
}
