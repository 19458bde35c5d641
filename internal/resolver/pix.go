package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/audit"
	"github.com/savegress/xdsmediator/internal/datatypes"
	"github.com/savegress/xdsmediator/internal/hl7v2"
)

// PIXResolver cross-references identifiers through an HL7v2 PIX manager
// (QBP^Q21 over MLLP).
type PIXResolver struct {
	client   *hl7v2.Client
	identity hl7v2.EndpointIdentity
	parser   *hl7v2.Parser
	auditor  *audit.Logger
	log      *zap.Logger
}

// NewPIXResolver creates a PIX resolver on top of an MLLP client.
func NewPIXResolver(client *hl7v2.Client, identity hl7v2.EndpointIdentity, auditor *audit.Logger, log *zap.Logger) *PIXResolver {
	return &PIXResolver{
		client:   client,
		identity: identity,
		parser:   hl7v2.NewParser(nil),
		auditor:  auditor,
		log:      log,
	}
}

// Resolve implements Resolver.
func (r *PIXResolver) Resolve(ctx context.Context, id datatypes.Identifier, target datatypes.AssigningAuthority) (*datatypes.Identifier, error) {
	controlID := uuid.New().String()
	correlationID := audit.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = controlID
	}
	request := hl7v2.BuildQBPQ21(r.identity, controlID, controlID, id, target, time.Now())

	r.log.Info("resolving identifier through PIX manager",
		zap.String("identifier", id.CX()),
		zap.String("targetDomain", target.String()),
		zap.String("controlId", controlID))

	response, err := r.client.Send(ctx, request)
	if err != nil {
		r.recordAudit(id, correlationID, string(request), false)
		return nil, fmt.Errorf("PIX query failed: %w", err)
	}

	msg, err := r.parser.Parse(response)
	if err != nil {
		r.recordAudit(id, correlationID, string(request), false)
		return nil, fmt.Errorf("failed to parse PIX response: %w", err)
	}

	resolved, err := hl7v2.ParseRSPK23(msg, target)
	r.recordAudit(id, correlationID, string(request), err == nil && resolved != nil)
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (r *PIXResolver) recordAudit(id datatypes.Identifier, correlationID, message string, outcome bool) {
	if r.auditor == nil {
		return
	}
	r.auditor.Record(&audit.Record{
		Type:                   audit.TypePIXRequest,
		ParticipantIdentifiers: []datatypes.Identifier{id},
		UniqueID:               correlationID,
		Outcome:                outcome,
		Message:                message,
	})
}
