// Package primaryonly implements the primary-only service framework: named
// services whose keyed, resumable workflows run only while this node holds
// the primary role. A registry owns the services, reacts to role
// transitions, and enforces at most one live instance per migration key.
//
// Flow intent: step-up binds the registry to a new term, rescans each
// service's durable documents, and recreates an instance per non-terminal
// document. Step-down cancels every live instance's context and unregisters
// it; the instances drain cooperatively and resolve their completions with
// an interruption. Documents are never touched by the registry.
package primaryonly

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tenantmigration"
)

// Document is the durable state a service resumes instances from.
type Document interface {
	Key() uuid.UUID
}

// Service is one primary-only service definition.
type Service interface {
	// Name identifies the service in the registry. Must be stable.
	Name() string
	// EnsureStorage prepares the service's durable storage. Called from
	// OnStartup before any role transition.
	EnsureStorage(ctx context.Context) error
	// PendingDocuments returns every non-terminal document, for the step-up
	// rescan.
	PendingDocuments(ctx context.Context) ([]Document, error)
	// NewInstance builds the in-memory instance for doc, bound to term. It
	// must not block; the workflow body runs later on the instance
	// goroutine.
	NewInstance(doc Document, term int64) (Instance, error)
}

// Instance is one live migration workflow.
type Instance interface {
	// Key returns the migration key the instance is registered under.
	Key() uuid.UUID
	// Run executes the workflow. It must resolve Completion before
	// returning, and must treat ctx cancellation as a cooperative
	// interruption.
	Run(ctx context.Context)
	// Completion returns the instance's one-shot result handle.
	Completion() *Completion
}

// Registry is the process-wide set of primary-only services. Constructed
// explicitly and passed to whoever needs it; there is no package-level
// singleton.
type Registry struct {
	logger zerolog.Logger

	mu       sync.Mutex
	order    []string
	services map[string]*serviceState
	primary  bool
	term     int64
	termStop context.CancelFunc
	termCtx  context.Context
	shutdown bool
	wg       sync.WaitGroup
}

type serviceState struct {
	svc       Service
	instances map[uuid.UUID]Instance
}

// NewRegistry builds an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		services: make(map[string]*serviceState),
	}
}

// RegisterService adds a named service. Registering a name twice fails.
func (r *Registry) RegisterService(svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return errors.New("registry is shut down")
	}
	name := svc.Name()
	if name == "" {
		return errors.New("service name is required")
	}
	if _, ok := r.services[name]; ok {
		return fmt.Errorf("service %q is already registered", name)
	}
	r.services[name] = &serviceState{svc: svc, instances: make(map[uuid.UUID]Instance)}
	r.order = append(r.order, name)
	return nil
}

// LookupServiceByName returns the registered service definition.
func (r *Registry) LookupServiceByName(name string) (Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.services[name]
	if !ok {
		return nil, false
	}
	return st.svc, true
}

// OnStartup prepares storage for every registered service, in registration
// order.
func (r *Registry) OnStartup(ctx context.Context) error {
	for _, svc := range r.servicesInOrder() {
		if err := svc.EnsureStorage(ctx); err != nil {
			return fmt.Errorf("ensure storage for service %q: %w", svc.Name(), err)
		}
	}
	return nil
}

// OnStepUpComplete binds the registry to a new, strictly increasing term and
// resumes every service's non-terminal documents under it. Individual
// documents that fail to resume are logged and skipped so one poisoned
// document cannot block the rest; scan failures are joined into the returned
// error.
func (r *Registry) OnStepUpComplete(ctx context.Context, term int64) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return errors.New("registry is shut down")
	}
	if term <= r.term {
		cur := r.term
		r.mu.Unlock()
		return fmt.Errorf("step-up term %d is not newer than term %d", term, cur)
	}
	r.primary = true
	r.term = term
	r.termCtx, r.termStop = context.WithCancel(context.Background())
	r.mu.Unlock()

	r.logger.Info().Int64("term", term).Msg("step_up")

	var errs []error
	for _, svc := range r.servicesInOrder() {
		docs, err := svc.PendingDocuments(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("scan service %q: %w", svc.Name(), err))
			continue
		}
		resumed := 0
		for _, doc := range docs {
			if _, err := r.GetOrCreate(ctx, svc.Name(), doc); err != nil {
				r.logger.Error().Err(err).
					Str("service", svc.Name()).
					Str("migration_id", doc.Key().String()).
					Msg("step_up_resume_failed")
				continue
			}
			resumed++
		}
		r.logger.Info().Str("service", svc.Name()).Int("resumed", resumed).
			Int64("term", term).Msg("step_up_scan")
	}
	return errors.Join(errs...)
}

// OnStepDown cancels every live instance across all services and drops them
// from the registry. It does not wait for them to drain and never touches
// documents.
func (r *Registry) OnStepDown() {
	r.mu.Lock()
	if !r.primary {
		r.mu.Unlock()
		return
	}
	r.primary = false
	stop := r.termStop
	r.termStop = nil
	r.termCtx = nil
	dropped := 0
	for _, st := range r.services {
		dropped += len(st.instances)
		st.instances = make(map[uuid.UUID]Instance)
	}
	term := r.term
	r.mu.Unlock()

	stop()
	r.logger.Info().Int64("term", term).Int("instances", dropped).Msg("step_down")
}

// Shutdown steps down and waits for every instance goroutine to drain, or
// for ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
	r.OnStepDown()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetOrCreate returns the live instance for doc's key, creating and
// scheduling one if none exists. The lookup and registration are atomic
// under the registry lock, so concurrent callers with one key always get
// the same instance. The new instance runs on its own goroutine under the
// current term's context and unregisters itself when its workflow returns.
func (r *Registry) GetOrCreate(ctx context.Context, serviceName string, doc Document) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := doc.Key()
	if key == uuid.Nil {
		return nil, errors.New("document has no key")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.services[serviceName]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", serviceName)
	}
	if !r.primary {
		return nil, tenantmigration.ErrNotPrimary
	}
	if inst, ok := st.instances[key]; ok {
		return inst, nil
	}

	inst, err := st.svc.NewInstance(doc, r.term)
	if err != nil {
		return nil, fmt.Errorf("new instance for %s: %w", key, err)
	}
	st.instances[key] = inst

	runCtx := r.termCtx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.removeInstance(serviceName, key, inst)
		inst.Run(runCtx)
	}()
	return inst, nil
}

// LookupInstance returns the live instance for key, if any.
func (r *Registry) LookupInstance(serviceName string, key uuid.UUID) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.services[serviceName]
	if !ok {
		return nil, false
	}
	inst, ok := st.instances[key]
	return inst, ok
}

// Instances returns a snapshot of a service's live instances.
func (r *Registry) Instances(serviceName string) []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.services[serviceName]
	if !ok {
		return nil
	}
	out := make([]Instance, 0, len(st.instances))
	for _, inst := range st.instances {
		out = append(out, inst)
	}
	return out
}

// IsPrimary reports whether the registry currently holds the primary role.
func (r *Registry) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primary
}

// Term returns the current term. Zero before the first step-up.
func (r *Registry) Term() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.term
}

// removeInstance unregisters inst if it is still the registered instance
// for key. A step-down may already have dropped it, and a newer term may
// have registered a replacement; neither must be disturbed.
func (r *Registry) removeInstance(serviceName string, key uuid.UUID, inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.services[serviceName]
	if !ok {
		return
	}
	if st.instances[key] == inst {
		delete(st.instances, key)
	}
}

func (r *Registry) servicesInOrder() []Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Service, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.services[name].svc)
	}
	return out
}
