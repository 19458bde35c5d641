package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/audit"
	"github.com/savegress/xdsmediator/internal/config"
	"github.com/savegress/xdsmediator/internal/datatypes"
	"github.com/savegress/xdsmediator/internal/pnr"
	"github.com/savegress/xdsmediator/internal/resolver"
)

// EventSink receives collaborator events for completed transactions.
type EventSink interface {
	NewDocumentRegistered(ctx context.Context, docID, facilityID string)
}

// Response is the terminal outcome of a transaction. Per XDS convention the
// HTTP status is 200 for both outcomes; Enriched distinguishes the enriched
// envelope from a failure RegistryResponse.
type Response struct {
	CorrelationID string
	Enriched      bool
	Body          []byte
}

// Orchestrator drives a Provide-and-Register transaction through parse,
// extract, concurrent resolution, optional identity feed, and enrichment.
// One orchestrator serves many transactions; all per-transaction state
// lives on the stack of Orchestrate.
type Orchestrator struct {
	cfg        *config.Config
	log        *zap.Logger
	patients   resolver.Resolver
	providers  resolver.Resolver
	facilities resolver.Resolver
	feed       resolver.IdentityFeed
	auditor    *audit.Logger
	events     EventSink
}

// New creates an orchestrator.
func New(cfg *config.Config, log *zap.Logger, patients, providers, facilities resolver.Resolver, feed resolver.IdentityFeed, auditor *audit.Logger, events EventSink) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		log:        log,
		patients:   patients,
		providers:  providers,
		facilities: facilities,
		feed:       feed,
		auditor:    auditor,
		events:     events,
	}
}

// resolution tracks one unique (category, identifier) key through the
// transaction.
type resolution struct {
	occ      *pnr.Occurrence
	resolved *datatypes.Identifier
	err      error
}

// transaction is the private state of one in-flight request. It is touched
// only by the goroutine running Orchestrate; resolve workers communicate
// through the results channel. The plan holds exactly one entry per unique
// (category, identifier) key, which is what keeps resolve calls coalesced.
type transaction struct {
	correlationID string
	req           *pnr.Request
	plan          []*resolution
}

// Orchestrate runs the full pipeline on raw envelope bytes. MTOM
// attachments, if any, travel alongside for demographics extraction.
func (o *Orchestrator) Orchestrate(ctx context.Context, envelope []byte, attachments map[string][]byte) *Response {
	correlationID := uuid.New().String()

	req, err := pnr.Parse(envelope)
	if err != nil {
		o.log.Warn("malformed provide and register request",
			zap.String("correlationId", correlationID), zap.Error(err))
		return o.fail(correlationID, nil, []RegistryError{
			NewRegistryError(ErrorCodeRegistryError, "Failed to parse ProvideAndRegisterDocumentSet request"),
		})
	}
	req.Attachments = attachments

	return o.OrchestrateParsed(ctx, correlationID, req)
}

// OrchestrateParsed runs the pipeline on an already-parsed request. This is
// the entry point used when the pre-parse orchestration stage is enabled.
func (o *Orchestrator) OrchestrateParsed(ctx context.Context, correlationID string, req *pnr.Request) *Response {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PnR.TransactionTimeout)
	defer cancel()
	ctx = audit.WithCorrelationID(ctx, correlationID)

	occurrences, err := pnr.Extract(req)
	if err != nil {
		o.log.Warn("failed to extract identifiers",
			zap.String("correlationId", correlationID), zap.Error(err))
		return o.fail(correlationID, nil, []RegistryError{
			NewRegistryError(ErrorCodeRegistryError, "Failed to parse ProvideAndRegisterDocumentSet request"),
		})
	}

	tx := &transaction{
		correlationID: correlationID,
		req:           req,
	}

	// Only enabled categories enter the resolution plan; disabled ones get
	// neither resolve calls nor rewrites.
	for _, occ := range occurrences {
		if !o.categoryEnabled(occ.Category) {
			continue
		}
		tx.plan = append(tx.plan, &resolution{occ: occ})
	}

	o.log.Info("orchestrating provide and register transaction",
		zap.String("correlationId", correlationID),
		zap.Int("documentEntries", len(req.DocumentEntries)),
		zap.Int("resolutionKeys", len(tx.plan)))

	if len(tx.plan) > 0 {
		if errs := o.resolveAll(ctx, tx, tx.plan); errs != nil {
			return o.fail(correlationID, tx.patientIDs(), errs)
		}

		if errs := o.triage(ctx, tx); errs != nil {
			return o.fail(correlationID, tx.patientIDs(), errs)
		}
	}

	return o.enrich(ctx, tx)
}

func (o *Orchestrator) categoryEnabled(cat pnr.Category) bool {
	switch cat {
	case pnr.CategoryProvider:
		return o.cfg.PnR.ProvidersEnrich
	case pnr.CategoryFacility:
		return o.cfg.PnR.FacilitiesEnrich
	}
	return true
}

func (o *Orchestrator) resolverFor(cat pnr.Category) (resolver.Resolver, datatypes.AssigningAuthority) {
	switch cat {
	case pnr.CategoryProvider:
		return o.providers, authority(o.cfg.Client.RequestedProviderAuthority)
	case pnr.CategoryFacility:
		return o.facilities, authority(o.cfg.Client.RequestedFacilityAuthority)
	}
	return o.patients, authority(o.cfg.Client.RequestedPatientAuthority)
}

func authority(cfg config.AuthorityConfig) datatypes.AssigningAuthority {
	return datatypes.NewAssigningAuthority(cfg.NamespaceID, cfg.UniversalID, cfg.UniversalIDType)
}

// resolveAll fans out one resolve call per key and waits for every response.
// Responses may land in any order; a transaction deadline yields a timeout
// failure and late responses are discarded with the channel.
func (o *Orchestrator) resolveAll(ctx context.Context, tx *transaction, pending []*resolution) []RegistryError {
	type outcome struct {
		res      *resolution
		resolved *datatypes.Identifier
		err      error
	}

	results := make(chan outcome, len(pending))
	for _, res := range pending {
		go func(res *resolution) {
			client, target := o.resolverFor(res.occ.Category)

			callCtx, cancel := context.WithTimeout(ctx, o.cfg.PnR.ResolveTimeout)
			defer cancel()

			resolved, err := client.Resolve(callCtx, res.occ.Identifier, target)
			select {
			case results <- outcome{res: res, resolved: resolved, err: err}:
			case <-ctx.Done():
			}
		}(res)
	}

	for range pending {
		select {
		case out := <-results:
			out.res.resolved = out.resolved
			out.res.err = out.err
		case <-ctx.Done():
			o.log.Warn("transaction deadline exceeded during resolution",
				zap.String("correlationId", tx.correlationID))
			return []RegistryError{
				NewRegistryError(ErrorCodeRepositoryError, "Transaction deadline exceeded while resolving identifiers"),
			}
		}
	}

	return nil
}

// triage inspects the resolution map once every in-flight call has
// completed. Patient misses trigger at most one identity feed followed by a
// single re-resolve of the missed keys; every remaining failure is
// aggregated into one error list.
func (o *Orchestrator) triage(ctx context.Context, tx *transaction) []RegistryError {
	missedPatients := tx.missedPatients()

	if len(missedPatients) > 0 && o.cfg.PnR.PatientsAutoRegister && o.feed != nil {
		if errs := o.registerPatients(ctx, tx, missedPatients); errs != nil {
			return errs
		}

		// Reissue the resolve for previously-missed keys exactly once.
		if errs := o.resolveAll(ctx, tx, missedPatients); errs != nil {
			return errs
		}
	}

	return tx.failures()
}

// registerPatients issues one identity feed per transaction, batched over
// every unresolved patient identifier.
func (o *Orchestrator) registerPatients(ctx context.Context, tx *transaction, missed []*resolution) []RegistryError {
	ids := make([]datatypes.Identifier, 0, len(missed))
	for _, res := range missed {
		ids = append(ids, res.occ.Identifier)
	}

	register := &resolver.RegisterPatient{PatientIdentifiers: ids}
	if demographics := pnr.ExtractDemographics(tx.req); demographics != nil {
		register.GivenName = demographics.GivenName
		register.FamilyName = demographics.FamilyName
		register.Gender = demographics.Gender
		register.BirthDate = demographics.BirthDate
		register.Telecom = demographics.Telecom
		register.LanguageCommunicationCode = demographics.LanguageCommunicationCode
		register.FHIRResource = demographics.FHIRResource
	}

	o.log.Info("auto-registering unknown patient",
		zap.String("correlationId", tx.correlationID),
		zap.Int("identifiers", len(ids)))

	if err := o.feed.Register(ctx, register); err != nil {
		o.log.Error("identity feed failed",
			zap.String("correlationId", tx.correlationID), zap.Error(err))
		return []RegistryError{
			NewRegistryError(ErrorCodeRepositoryError, err.Error()),
		}
	}

	return nil
}

// missedPatients returns the patient resolutions that completed as
// not-found.
func (tx *transaction) missedPatients() []*resolution {
	var out []*resolution
	for _, res := range tx.plan {
		if res.occ.Category == pnr.CategoryPatient && res.err == nil && res.resolved == nil {
			out = append(out, res)
		}
	}
	return out
}

// failures aggregates every unresolved key into registry errors, one entry
// per distinct failure, in extraction order.
func (tx *transaction) failures() []RegistryError {
	var errs []RegistryError
	for _, res := range tx.plan {
		switch {
		case res.err != nil:
			errs = append(errs, NewRegistryError(ErrorCodeRepositoryError,
				fmt.Sprintf("Failed to resolve %s identifier: %s", res.occ.Category, res.err)))
		case res.resolved == nil:
			code := ErrorCodeRepositoryError
			if res.occ.Category == pnr.CategoryPatient {
				code = ErrorCodeUnknownPatientID
			}
			errs = append(errs, NewRegistryError(code,
				fmt.Sprintf("Failed to resolve %s identifier: %s", res.occ.Category, res.occ.Context)))
		}
	}
	return errs
}

// patientIDs returns the original patient identifiers of the transaction
// for audit records.
func (tx *transaction) patientIDs() []datatypes.Identifier {
	var ids []datatypes.Identifier
	for _, res := range tx.plan {
		if res.occ.Category == pnr.CategoryPatient {
			ids = append(ids, res.occ.Identifier)
		}
	}
	return ids
}

func (o *Orchestrator) fail(correlationID string, patientIDs []datatypes.Identifier, errs []RegistryError) *Response {
	o.recordAudit(correlationID, patientIDs, false)
	return &Response{
		CorrelationID: correlationID,
		Enriched:      false,
		Body:          BuildRegistryResponse(errs),
	}
}

func (o *Orchestrator) recordAudit(correlationID string, patientIDs []datatypes.Identifier, outcome bool) {
	if o.auditor == nil {
		return
	}
	o.auditor.Record(&audit.Record{
		Type:                   audit.TypeXDSRegister,
		ParticipantIdentifiers: patientIDs,
		UniqueID:               correlationID,
		Outcome:                outcome,
	})
}
