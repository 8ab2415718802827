// Package recipient implements the tenant migration recipient service: a
// primary-only workflow per migration that persists a durable state
// document, connects to the donor replica set under the migration's read
// preference, and fixes the log positions the copy phases start from.
package recipient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tenantmigration"
	"tenantmigration/donor"
	"tenantmigration/failgate"
	"tenantmigration/pii"
	"tenantmigration/primaryonly"
)

// ServiceName is the recipient service's registry name.
const ServiceName = "tenantMigrationRecipient"

// Doc adapts a state document to the service framework's keyed document.
type Doc struct {
	tenantmigration.StateDocument
}

// Key implements primaryonly.Document.
func (d Doc) Key() uuid.UUID { return d.ID }

// Config wires the recipient service's collaborators.
type Config struct {
	// Store is the durable state-document store.
	Store Store
	// NewResolver builds the donor member selection machinery for one parsed
	// donor address.
	NewResolver func(addr donor.Address) donor.Resolver
	// LeaseName names the election lease whose epoch fences durable writes.
	LeaseName string
	// Gates is the test-control gate registry. Nil in production.
	Gates *failgate.Registry
	// Logger defaults to a no-op logger.
	Logger zerolog.Logger
	// Metrics is optional; a nil registry records nothing.
	Metrics *Metrics
	// Hasher is optional; when set, tenant ids in log fields are salted
	// digests instead of raw values.
	Hasher *pii.Hasher
}

// Service is the recipient's primaryonly.Service implementation.
type Service struct {
	cfg Config
}

// NewService validates cfg and builds the service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.NewResolver == nil {
		return nil, errors.New("resolver factory is required")
	}
	if cfg.LeaseName == "" {
		return nil, errors.New("lease name is required")
	}
	return &Service{cfg: cfg}, nil
}

// Name implements primaryonly.Service.
func (s *Service) Name() string { return ServiceName }

// EnsureStorage implements primaryonly.Service.
func (s *Service) EnsureStorage(ctx context.Context) error {
	return s.cfg.Store.EnsureSchema(ctx)
}

// PendingDocuments implements primaryonly.Service: every non-terminal
// document, each of which the step-up rescan turns back into a live
// instance.
func (s *Service) PendingDocuments(ctx context.Context) ([]primaryonly.Document, error) {
	docs, err := s.cfg.Store.Pending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]primaryonly.Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, Doc{doc})
	}
	return out, nil
}

// NewInstance implements primaryonly.Service.
func (s *Service) NewInstance(doc primaryonly.Document, term int64) (primaryonly.Instance, error) {
	d, ok := doc.(Doc)
	if !ok {
		return nil, fmt.Errorf("unexpected document type %T", doc)
	}
	return newInstance(s, d.StateDocument, term), nil
}

// Submit validates doc and hands it to the registry, returning the live
// instance driving it. Resubmitting the key of a live migration returns
// that migration's instance unchanged.
func (s *Service) Submit(ctx context.Context, reg *primaryonly.Registry, doc tenantmigration.StateDocument) (*Instance, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	inst, err := reg.GetOrCreate(ctx, ServiceName, Doc{doc})
	if err != nil {
		return nil, err
	}
	return inst.(*Instance), nil
}

// Snapshots returns a point-in-time view of the service's live instances.
func (s *Service) Snapshots(reg *primaryonly.Registry) []Snapshot {
	live := reg.Instances(ServiceName)
	out := make([]Snapshot, 0, len(live))
	for _, inst := range live {
		if ri, ok := inst.(*Instance); ok {
			out = append(out, ri.Snapshot())
		}
	}
	return out
}
