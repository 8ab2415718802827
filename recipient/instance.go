package recipient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tenantmigration"
	"tenantmigration/donor"
	"tenantmigration/primaryonly"
)

// WorkflowState names where in the migration workflow an instance currently
// is. Every remote or durable step is a suspension point; the state advances
// only after the step lands.
type WorkflowState string

const (
	StateUninitialized             WorkflowState = "uninitialized"
	StatePersistingInitialDocument WorkflowState = "persistingInitialDocument"
	StateConnecting                WorkflowState = "connecting"
	StateDeterminingStartPositions WorkflowState = "determiningStartPositions"
	StateCompleted                 WorkflowState = "completed"
)

// Gate names checked by the workflow, in execution order. Production wiring
// passes a nil gate registry and never pauses.
const (
	GatePauseAfterPersistingStateDocument   = "pauseAfterPersistingStateDocument"
	GatePauseAfterConnectingDonor           = "pauseAfterConnectingDonor"
	GatePauseAfterScanningDonorTransactions = "pauseAfterScanningDonorTransactions"
	GatePauseAfterDeterminingStartPositions = "pauseAfterDeterminingStartPositions"
)

// Instance is one live migration workflow. It exclusively owns two donor
// connections and one completion handle, wraps exactly one state document by
// key, and unregisters itself from the service registry when Run returns.
// The document outlives the instance.
type Instance struct {
	svc        *Service
	term       int64
	completion *primaryonly.Completion
	logger     zerolog.Logger

	mu          sync.Mutex
	doc         tenantmigration.StateDocument
	state       WorkflowState
	startedAt   time.Time
	generalConn donor.Client
	tailingConn donor.Client
}

func newInstance(svc *Service, doc tenantmigration.StateDocument, term int64) *Instance {
	return &Instance{
		svc:        svc,
		term:       term,
		completion: primaryonly.NewCompletion(doc.ID),
		logger: svc.cfg.Logger.With().
			Str("migration_id", doc.ID.String()).
			Str("tenant", svc.cfg.Hasher.Label(doc.TenantID)).
			Int64("term", term).
			Logger(),
		doc:   doc,
		state: StateUninitialized,
	}
}

// Key implements primaryonly.Instance.
func (i *Instance) Key() uuid.UUID { return i.completion.MigrationKey() }

// Completion implements primaryonly.Instance.
func (i *Instance) Completion() *primaryonly.Completion { return i.completion }

// Term returns the primary term the instance is bound to.
func (i *Instance) Term() int64 { return i.term }

// State returns the instance's current workflow state.
func (i *Instance) State() WorkflowState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Document returns a copy of the instance's view of its state document.
func (i *Instance) Document() tenantmigration.StateDocument {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.doc
}

// Run implements primaryonly.Instance. It drives the workflow to a terminal
// outcome and resolves the completion exactly once. Cancellation of ctx is a
// cooperative interruption: the in-flight step aborts and the document stays
// resumable.
func (i *Instance) Run(ctx context.Context) {
	i.mu.Lock()
	i.startedAt = time.Now()
	i.mu.Unlock()
	i.finish(ctx, i.run(ctx))
}

func (i *Instance) run(ctx context.Context) error {
	if err := i.persistInitialDocument(ctx); err != nil {
		return err
	}
	if err := i.gate(ctx, GatePauseAfterPersistingStateDocument); err != nil {
		return err
	}

	if i.Document().Terminal() {
		return i.alreadyTerminal()
	}

	if err := i.connect(ctx); err != nil {
		return err
	}
	if err := i.gate(ctx, GatePauseAfterConnectingDonor); err != nil {
		return err
	}

	if err := i.determineStartPositions(ctx); err != nil {
		return err
	}
	if err := i.gate(ctx, GatePauseAfterDeterminingStartPositions); err != nil {
		return err
	}

	// The fetch/apply phases pick up from the recorded positions; from this
	// workflow's point of view the migration control phase is complete.
	return i.recordCompleted(ctx)
}

// persistInitialDocument durably inserts the state document. A failed write
// means this node can no longer act as primary for the migration: the error
// is terminal here and a later step-up re-creates an instance from whatever
// landed.
func (i *Instance) persistInitialDocument(ctx context.Context) error {
	i.setState(StatePersistingInitialDocument)

	doc := i.Document()
	stored, inserted, err := i.svc.cfg.Store.Insert(ctx, i.fence(), doc)
	if err != nil {
		if isPrimaryLost(err) {
			return err
		}
		return &tenantmigration.PrimaryLostError{Term: i.term, Cause: err}
	}

	i.mu.Lock()
	i.doc = stored
	i.mu.Unlock()

	if !inserted {
		i.svc.cfg.Metrics.ObserveResumed()
		i.logger.Info().
			Bool("has_start_positions", stored.HasStartPositions()).
			Msg("migration_resumed")
	} else {
		i.svc.cfg.Metrics.ObserveSubmitted()
		i.logger.Info().Str("donor", stored.DonorAddress).Msg("migration_persisted")
	}
	return nil
}

// connect parses the donor address and resolves the two donor connections:
// one general-purpose, one dedicated to continuous log tailing. They are
// distinct objects even when both land on the same member.
func (i *Instance) connect(ctx context.Context) error {
	i.setState(StateConnecting)

	doc := i.Document()
	addr, err := donor.ParseAddress(doc.DonorAddress)
	if err != nil {
		return err
	}

	resolver := i.svc.cfg.NewResolver(addr)
	general, err := resolver.Resolve(ctx, addr, doc.ReadPreference)
	if err != nil {
		return err
	}
	tailing, err := resolver.Resolve(ctx, addr, doc.ReadPreference)
	if err != nil {
		_ = general.Close()
		return err
	}

	i.mu.Lock()
	i.generalConn = general
	i.tailingConn = tailing
	i.mu.Unlock()

	i.logger.Info().
		Str("general_host", general.Address()).
		Str("tailing_host", tailing.Address()).
		Msg("donor_connected")
	return nil
}

// determineStartPositions fixes the two log positions the copy phases hang
// off of. startFetchingPosition is the earliest point the donor's log must
// be captured from; startApplyingPosition is where replay begins. A
// transaction opened before the migration pulls fetching back to its start,
// and applying then needs a fresh top-of-log read because writes may have
// landed during the scan.
func (i *Instance) determineStartPositions(ctx context.Context) error {
	i.setState(StateDeterminingStartPositions)

	doc := i.Document()
	if doc.HasStartPositions() {
		i.logger.Info().
			Stringer("start_fetching", doc.StartFetchingPosition).
			Stringer("start_applying", doc.StartApplyingPosition).
			Msg("start_positions_resumed")
		return nil
	}

	timeline := donor.Timeline{Client: i.conn()}
	t0, err := timeline.LatestPosition(ctx)
	if err != nil {
		return err
	}
	txns, err := timeline.InProgressTransactions(ctx)
	if err != nil {
		return err
	}
	if err := i.gate(ctx, GatePauseAfterScanningDonorTransactions); err != nil {
		return err
	}

	fetch, apply := t0, t0
	if earliest, ok := earliestStartPosition(txns); ok && earliest.Before(t0) {
		fetch = earliest
		// Fresh read: the scan takes time and writes may have advanced the
		// donor past t0. Applying from the stale t0 would skip them.
		t1, err := timeline.LatestPosition(ctx)
		if err != nil {
			return err
		}
		apply = tenantmigration.MaxOpTime(t0, t1)
	}

	if err := i.svc.cfg.Store.SetStartPositions(ctx, i.fence(), doc.ID, fetch, apply); err != nil {
		if isPrimaryLost(err) {
			return err
		}
		return &tenantmigration.PrimaryLostError{Term: i.term, Cause: err}
	}

	i.mu.Lock()
	i.doc.StartFetchingPosition = &fetch
	i.doc.StartApplyingPosition = &apply
	i.mu.Unlock()

	i.logger.Info().
		Stringer("start_fetching", fetch).
		Stringer("start_applying", apply).
		Int("in_progress_transactions", len(txns)).
		Msg("start_positions_determined")
	return nil
}

func (i *Instance) recordCompleted(ctx context.Context) error {
	if _, err := i.svc.cfg.Store.SetTerminalStatus(ctx, i.fence(), i.Key(), tenantmigration.CodeCompleted); err != nil {
		if isPrimaryLost(err) {
			return err
		}
		return &tenantmigration.PrimaryLostError{Term: i.term, Cause: err}
	}
	i.mu.Lock()
	i.doc.TerminalStatus = tenantmigration.CodeCompleted
	i.mu.Unlock()
	return nil
}

// alreadyTerminal resolves an instance created over a document that reached
// a terminal status in an earlier life. Nothing is re-run and nothing is
// rewritten.
func (i *Instance) alreadyTerminal() error {
	status := i.Document().TerminalStatus
	if status == tenantmigration.CodeCompleted {
		return nil
	}
	return &tenantmigration.RemoteQueryError{
		Op:    "resume",
		Cause: errors.New("migration already failed with status " + status),
	}
}

// finish tears down the connections, durably records recordable failure
// codes, resolves the completion, and reports metrics. Interruption and
// primary loss leave the document untouched so a later step-up can resume.
func (i *Instance) finish(ctx context.Context, err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		err = &tenantmigration.InterruptedError{Cause: context.Cause(ctx)}
	}

	i.mu.Lock()
	general, tailing := i.generalConn, i.tailingConn
	i.generalConn, i.tailingConn = nil, nil
	i.state = StateCompleted
	startedAt := i.startedAt
	i.mu.Unlock()
	if general != nil {
		_ = general.Close()
	}
	if tailing != nil {
		_ = tailing.Close()
	}

	code := tenantmigration.ErrorCode(err)
	if err != nil && durableFailureCode(code) {
		// Best effort: the original error wins even if this write fails.
		if _, recordErr := i.svc.cfg.Store.SetTerminalStatus(ctx, i.fence(), i.Key(), code); recordErr != nil {
			i.logger.Warn().Err(recordErr).Str("code", code).Msg("terminal_status_write_failed")
		} else {
			i.mu.Lock()
			i.doc.TerminalStatus = code
			i.mu.Unlock()
		}
	}

	duration := time.Since(startedAt)
	i.svc.cfg.Metrics.ObserveTerminal(code, duration)
	if err != nil {
		i.logger.Warn().Err(err).Str("code", code).Dur("duration", duration).Msg("migration_failed")
	} else {
		i.logger.Info().Dur("duration", duration).Msg("migration_completed")
	}
	i.completion.Resolve(err)
}

func (i *Instance) gate(ctx context.Context, name string) error {
	return i.svc.cfg.Gates.Find(name).Pause(ctx)
}

func (i *Instance) fence() Fence {
	return Fence{LeaseName: i.svc.cfg.LeaseName, Term: i.term}
}

func (i *Instance) conn() donor.Client {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.generalConn
}

func (i *Instance) setState(s WorkflowState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// earliestStartPosition returns the smallest start position among the given
// in-progress transaction records.
func earliestStartPosition(txns []tenantmigration.TransactionRecord) (tenantmigration.OpTime, bool) {
	var earliest tenantmigration.OpTime
	found := false
	for _, txn := range txns {
		if txn.State != tenantmigration.TxnInProgress || txn.StartPosition.IsZero() {
			continue
		}
		if !found || txn.StartPosition.Before(earliest) {
			earliest = txn.StartPosition
			found = true
		}
	}
	return earliest, found
}

// durableFailureCode reports whether a failure code may be written to the
// document. Primary loss cannot write by definition, and an interruption
// must leave the document resumable.
func durableFailureCode(code string) bool {
	switch code {
	case tenantmigration.CodeParseError,
		tenantmigration.CodeReadPrefUnsatisfiable,
		tenantmigration.CodeRemoteQueryFailure:
		return true
	default:
		return false
	}
}

func isPrimaryLost(err error) bool {
	var pl *tenantmigration.PrimaryLostError
	return errors.As(err, &pl)
}
