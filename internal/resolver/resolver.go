package resolver

import (
	"context"

	"github.com/savegress/xdsmediator/internal/datatypes"
)

// Resolver cross-references an identifier into the target enterprise
// domain. A nil identifier with a nil error means the registry knows no
// match; errors are transport or protocol failures.
type Resolver interface {
	Resolve(ctx context.Context, id datatypes.Identifier, target datatypes.AssigningAuthority) (*datatypes.Identifier, error)
}

// RegisterPatient is a request to create a new patient demographic record.
type RegisterPatient struct {
	PatientIdentifiers        []datatypes.Identifier
	GivenName                 string
	FamilyName                string
	Gender                    string
	BirthDate                 string
	Telecom                   string
	LanguageCommunicationCode string
	FHIRResource              []byte
}

// IdentityFeed registers previously unknown patients with the MPI.
type IdentityFeed interface {
	Register(ctx context.Context, patient *RegisterPatient) error
}

// InternalResolver serves categories with deterministic mappings and is
// the resolver of choice in tests: it answers from a static table, falling
// back to a fixed enterprise identifier.
type InternalResolver struct {
	Enterprise *datatypes.Identifier
	Mappings   map[datatypes.Identifier]datatypes.Identifier
}

// NewInternalResolver creates a resolver that answers every query with the
// given enterprise identifier. A nil identifier makes every lookup a miss.
func NewInternalResolver(enterprise *datatypes.Identifier) *InternalResolver {
	return &InternalResolver{Enterprise: enterprise}
}

// Resolve implements Resolver.
func (r *InternalResolver) Resolve(_ context.Context, id datatypes.Identifier, _ datatypes.AssigningAuthority) (*datatypes.Identifier, error) {
	if r.Mappings != nil {
		if mapped, ok := r.Mappings[id]; ok {
			return &mapped, nil
		}
	}
	if r.Enterprise == nil {
		return nil, nil
	}
	enterprise := *r.Enterprise
	return &enterprise, nil
}
