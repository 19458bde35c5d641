package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/datatypes"
	"github.com/savegress/xdsmediator/internal/pnr"
	"github.com/savegress/xdsmediator/internal/xdsmeta"
)

// enrich rewrites every resolved identifier occurrence in place and
// serializes the envelope. It runs only once the resolution map holds no
// misses and no errors.
func (o *Orchestrator) enrich(ctx context.Context, tx *transaction) *Response {
	// Single-patient invariant: the SubmissionSet and every DocumentEntry
	// must end up referencing the same enterprise patient.
	var ecid *datatypes.Identifier
	for _, res := range tx.plan {
		if res.occ.Category != pnr.CategoryPatient {
			continue
		}
		if ecid == nil {
			ecid = res.resolved
			continue
		}
		if *res.resolved != *ecid {
			o.log.Error("patient identifiers resolve to distinct enterprise patients",
				zap.String("correlationId", tx.correlationID),
				zap.String("first", ecid.CX()),
				zap.String("second", res.resolved.CX()))
			return o.fail(tx.correlationID, tx.patientIDs(), []RegistryError{
				NewRegistryError(ErrorCodeRegistryError,
					"Patient identifiers resolve to distinct enterprise patients"),
			})
		}
	}

	for _, res := range tx.plan {
		for _, site := range res.occ.Sites {
			site.Rewrite(*res.resolved)
		}
	}

	body, err := tx.req.Serialize()
	if err != nil {
		o.log.Error("failed to serialize enriched envelope",
			zap.String("correlationId", tx.correlationID), zap.Error(err))
		return o.fail(tx.correlationID, tx.patientIDs(), []RegistryError{
			NewRegistryError(ErrorCodeRegistryError, "Failed to build enriched request"),
		})
	}

	o.log.Info("transaction enriched",
		zap.String("correlationId", tx.correlationID),
		zap.Int("rewrittenKeys", len(tx.plan)))

	o.recordAudit(tx.correlationID, tx.patientIDs(), true)
	o.publishEvents(ctx, tx)

	return &Response{
		CorrelationID: tx.correlationID,
		Enriched:      true,
		Body:          body,
	}
}

// publishEvents notifies the DSUB subsystem about every registered
// document.
func (o *Orchestrator) publishEvents(ctx context.Context, tx *transaction) {
	if o.events == nil {
		return
	}

	var facilityID string
	for _, res := range tx.plan {
		if res.occ.Category == pnr.CategoryFacility && res.resolved != nil {
			facilityID = res.resolved.Value
			break
		}
	}

	for _, eo := range tx.req.DocumentEntries {
		docID := xdsmeta.ExternalIdentifierValue(tx.req.Root, eo, xdsmeta.UUIDDocEntryUniqueID)
		if docID == "" {
			continue
		}
		o.events.NewDocumentRegistered(ctx, docID, facilityID)
	}
}
