package election

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultLeaseDuration   = 15 * time.Second
	defaultRenewInterval   = 5 * time.Second
	defaultAcquireInterval = 2 * time.Second
)

// Config defines the lease timing and identity parameters.
type Config struct {
	LeaseName string
	HolderID  string
	// LeaseDuration is how long one acquisition or renewal holds. Zero means
	// the default.
	LeaseDuration time.Duration
	// RenewInterval is the pause between renewals while leading. Zero means
	// the default.
	RenewInterval time.Duration
	// AcquireInterval is the pause between acquisition attempts while
	// following. Zero means the default.
	AcquireInterval time.Duration
	// Clock defaults to the wall clock.
	Clock Clock
	// Logger defaults to a no-op logger.
	Logger zerolog.Logger
}

// Runner repeatedly tries to take the lease and, while holding it, keeps it
// renewed. Each successful acquisition steps the node up under the new
// epoch; renewal failure or shutdown steps it down.
type Runner struct {
	store Store
	cb    Callbacks
	cfg   Config
	clock Clock

	mu     sync.Mutex
	status Status
}

// NewRunner builds a Runner. Nil callbacks are treated as no-ops.
func NewRunner(store Store, cb Callbacks, cfg Config) (*Runner, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.LeaseName == "" || cfg.HolderID == "" {
		return nil, errors.New("lease name and holder id are required")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = defaultRenewInterval
	}
	if cfg.AcquireInterval <= 0 {
		cfg.AcquireInterval = defaultAcquireInterval
	}
	clock := cfg.Clock
	if clock.Now == nil || clock.After == nil {
		clock = defaultClock()
	}
	return &Runner{
		store:  store,
		cb:     cb,
		cfg:    cfg,
		clock:  clock,
		status: Status{Mode: ModeFollower, HolderID: cfg.HolderID},
	}, nil
}

// Status returns the current local view of leadership.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// IsLeader reports whether this runner currently believes it leads.
func (r *Runner) IsLeader() bool {
	return r.Status().Mode == ModeLeader
}

// Run drives the acquire/lead/lose cycle until ctx is done. It blocks; run
// it on its own goroutine.
func (r *Runner) Run(ctx context.Context) {
	logger := r.cfg.Logger.With().Str("holder_id", r.cfg.HolderID).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lease, acquired, err := r.store.Acquire(ctx, r.cfg.LeaseName, r.cfg.HolderID, r.cfg.LeaseDuration)
		if err != nil {
			logger.Warn().Err(err).Msg("leader_acquire_failed")
		} else if acquired {
			r.lead(ctx, logger, lease)
		}

		if !r.sleep(ctx, r.cfg.AcquireInterval) {
			return
		}
	}
}

// lead holds leadership from one acquisition until renewal fails or ctx is
// done. Step-up and step-down bracket the renewal loop exactly once per
// tenure.
func (r *Runner) lead(ctx context.Context, logger zerolog.Logger, lease Lease) {
	r.setStatus(Status{Mode: ModeLeader, HolderID: r.cfg.HolderID, Epoch: lease.Epoch, ExpiresAt: lease.ExpiresAt})
	logger.Info().Int64("lease_epoch", lease.Epoch).Time("expires_at", lease.ExpiresAt).Msg("leader_acquired")

	if r.cb.OnStepUp != nil {
		if err := r.cb.OnStepUp(ctx, lease.Epoch); err != nil {
			logger.Error().Err(err).Int64("lease_epoch", lease.Epoch).Msg("step_up_failed")
			r.dropLeadership(logger, err)
			return
		}
	}

	for {
		if !r.sleep(ctx, r.cfg.RenewInterval) {
			r.dropLeadership(logger, ctx.Err())
			return
		}
		renewed, ok, err := r.store.Renew(ctx, r.cfg.LeaseName, r.cfg.HolderID, lease.Epoch, r.cfg.LeaseDuration)
		if err != nil || !ok {
			if err != nil {
				logger.Warn().Err(err).Int64("lease_epoch", lease.Epoch).Msg("leader_renew_failed")
			} else {
				logger.Warn().Int64("lease_epoch", lease.Epoch).Msg("leader_renew_failed")
			}
			r.dropLeadership(logger, err)
			return
		}
		r.setStatus(Status{Mode: ModeLeader, HolderID: r.cfg.HolderID, Epoch: renewed.Epoch, ExpiresAt: renewed.ExpiresAt})
	}
}

func (r *Runner) dropLeadership(logger zerolog.Logger, err error) {
	if r.cb.OnStepDown != nil {
		r.cb.OnStepDown()
	}
	r.setStatus(Status{Mode: ModeFollower, HolderID: r.cfg.HolderID})
	if err != nil {
		logger.Info().Err(err).Msg("leader_lost")
	} else {
		logger.Info().Msg("leader_lost")
	}
}

func (r *Runner) setStatus(status Status) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

// sleep waits for delay or ctx, reporting false when ctx won.
func (r *Runner) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(delay):
		return true
	}
}
