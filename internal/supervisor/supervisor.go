package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"spoolq/internal/config"
	"spoolq/internal/lease"
	"spoolq/internal/logging"
	"spoolq/internal/runstate"
	"spoolq/internal/workerctl"
)

const starterLeaseDir = "starter.lease"

// ErrStartTimeout means no healthy worker appeared within the startup wait.
var ErrStartTimeout = errors.New("worker did not become healthy in time")

// State is the supervisor's view of the worker.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateStale     State = "stale"
	StateUnhealthy State = "unhealthy"
	StateStarting  State = "starting"
)

// ClaimAger reports how long the oldest claimed item has been held.
type ClaimAger interface {
	OldestClaimed() (time.Duration, bool, error)
}

// Options holds supervisor timings.
type Options struct {
	HealthCacheTTL    time.Duration
	HeartbeatTimeout  time.Duration
	ProcessingTimeout time.Duration
	StartupWait       time.Duration
	LockStale         time.Duration
	IdentityWait      time.Duration
	StopGrace         time.Duration
	PollInterval      time.Duration
}

// OptionsFromConfig converts configuration seconds into durations.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HealthCacheTTL:    time.Duration(cfg.Supervisor.HealthCacheTTL) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.Worker.HeartbeatTimeout) * time.Second,
		ProcessingTimeout: time.Duration(cfg.Worker.ProcessingTimeout) * time.Second,
		StartupWait:       time.Duration(cfg.Supervisor.StartupWait) * time.Second,
		LockStale:         time.Duration(cfg.Supervisor.LockStale) * time.Second,
		IdentityWait:      time.Duration(cfg.Supervisor.IdentityWait) * time.Second,
		StopGrace:         time.Duration(cfg.Worker.StopGracePeriod) * time.Second,
		PollInterval:      100 * time.Millisecond,
	}
}

// Report is the outcome of a health check.
type Report struct {
	State         State
	Reason        string
	Identity      *runstate.Identity
	HeartbeatAge  time.Duration
	OldestClaimed time.Duration
	Terminated    bool
	CheckedAt     time.Time
	// Err is set when the check itself could not complete. The worker's
	// state is then unknown and FullCheck leaves the records alone.
	Err error
}

// Healthy reports whether the check passed.
func (r Report) Healthy() bool {
	return r.State == StateHealthy
}

// Result describes what EnsureStarted did.
type Result struct {
	State State
	// Launched is true when this call spawned a worker.
	Launched bool
	PID      int
	// Waited is true when another starter held the lease and this call
	// waited for its worker.
	Waited bool
}

// Supervisor checks and starts workers.
type Supervisor struct {
	run      *runstate.Store
	claims   ClaimAger
	launcher workerctl.Launcher
	lease    *lease.Manager
	trigger  func(context.Context) error
	opts     Options
	logger   *slog.Logger

	alive     func(pid int) bool
	terminate func(ctx context.Context, pid int, grace time.Duration) (bool, error)
}

// New constructs a Supervisor. trigger is what Kick runs on a cache miss;
// nil makes Kick a no-op on a miss.
func New(run *runstate.Store, claims ClaimAger, launcher workerctl.Launcher, trigger func(context.Context) error, opts Options, logger *slog.Logger) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Supervisor{
		run:       run,
		claims:    claims,
		launcher:  launcher,
		lease:     lease.New(filepath.Join(run.Dir(), starterLeaseDir), opts.LockStale),
		trigger:   trigger,
		opts:      opts,
		logger:    logging.NewComponentLogger(logger, "supervisor"),
		alive:     workerctl.Alive,
		terminate: workerctl.Terminate,
	}
}

// CachedCheck reports whether a full check succeeded within the cache TTL.
func (s *Supervisor) CachedCheck() bool {
	return s.run.HealthyWithin(s.opts.HealthCacheTTL)
}

// Kick makes sure a worker is, or soon will be, running. It never waits for
// a worker to start.
func (s *Supervisor) Kick(ctx context.Context) error {
	if s.CachedCheck() {
		return nil
	}
	if s.trigger == nil {
		return nil
	}
	if err := s.trigger(ctx); err != nil {
		return fmt.Errorf("trigger worker start: %w", err)
	}
	return nil
}

// inspect evaluates worker health without side effects.
func (s *Supervisor) inspect() Report {
	report := Report{State: StateUnknown, CheckedAt: time.Now()}

	identity, idErr := s.run.ReadIdentity()
	held, lockErr := s.run.OwnershipHeld()
	if lockErr != nil {
		report.Err = fmt.Errorf("check ownership lock: %w", lockErr)
		report.Reason = report.Err.Error()
		return report
	}
	if idErr != nil {
		if errors.Is(idErr, runstate.ErrMissing) {
			if held {
				report.State = StateStarting
				report.Reason = "worker holds the lock but has not published its identity"
				return report
			}
			report.Reason = "no worker identity"
			return report
		}
		report.State = StateUnhealthy
		report.Reason = idErr.Error()
		return report
	}
	report.Identity = &identity

	if !held {
		report.State = StateUnhealthy
		report.Reason = "worker ownership lock is free"
		return report
	}
	if !s.alive(identity.PID) {
		report.State = StateUnhealthy
		report.Reason = fmt.Sprintf("worker process %d not running", identity.PID)
		return report
	}

	beat, err := s.run.LastHeartbeat()
	if err != nil {
		report.State = StateStale
		report.Reason = "no heartbeat: " + err.Error()
		return report
	}
	report.HeartbeatAge = time.Since(beat)
	if report.HeartbeatAge > s.opts.HeartbeatTimeout {
		report.State = StateStale
		report.Reason = fmt.Sprintf("heartbeat is %s old", report.HeartbeatAge.Round(time.Millisecond))
		return report
	}

	if s.claims != nil && s.opts.ProcessingTimeout > 0 {
		age, ok, err := s.claims.OldestClaimed()
		if err != nil {
			report.Err = fmt.Errorf("inspect claimed items: %w", err)
			report.Reason = report.Err.Error()
			return report
		}
		if ok {
			report.OldestClaimed = age
			if age > s.opts.ProcessingTimeout {
				report.State = StateStale
				report.Reason = fmt.Sprintf("item claimed %s ago", age.Round(time.Second))
				return report
			}
		}
	}

	report.State = StateHealthy
	return report
}

// FullCheck inspects the worker and acts on the result. A stale worker is
// terminated and any unhealthy outcome clears the run records. Success
// refreshes the health cache.
func (s *Supervisor) FullCheck(ctx context.Context) Report {
	report := s.inspect()
	if report.Err != nil {
		s.logger.Debug("health check incomplete", logging.Error(report.Err))
		return report
	}
	switch report.State {
	case StateHealthy:
		if err := s.run.MarkHealthy(); err != nil {
			s.logger.Debug("health cache update failed", logging.Error(err))
		}
		return report
	case StateStarting:
		return report
	case StateStale:
		if report.Identity != nil {
			forced, err := s.terminate(ctx, report.Identity.PID, s.opts.StopGrace)
			report.Terminated = err == nil
			logging.WarnWithContext(s.logger, "terminated unresponsive worker", "worker_terminated",
				logging.Int("pid", report.Identity.PID),
				logging.String(logging.FieldWorkerID, report.Identity.ID),
				logging.String("reason", report.Reason),
				logging.Bool("forced", forced),
				logging.Any("terminate_error", err),
				logging.String(logging.FieldErrorHint, "inspect worker.log for the stuck item"),
				logging.String(logging.FieldImpact, "claimed items return to pending on the next worker start"),
			)
		}
		report.State = StateUnhealthy
	}
	// Only the records that were inspected are removed; a worker that
	// published after the inspection keeps its identity.
	var err error
	if report.Identity != nil {
		err = s.run.ClearIfOwner(report.Identity.ID)
	} else {
		err = s.run.ClearHealth()
	}
	if err != nil {
		s.logger.Debug("clear run records failed", logging.Error(err))
	}
	return report
}

// Status returns a read-only health snapshot.
func (s *Supervisor) Status(ctx context.Context) Health {
	health := Health{Report: s.inspect(), CacheFresh: s.CachedCheck()}
	if ts, err := s.run.LastHealthy(); err == nil {
		health.LastHealthy = ts
	}
	if owner, ok, err := s.lease.Holder(); err == nil && ok {
		health.StarterLease = &owner
	}
	return health
}

// Health is the observability view of the supervisor.
type Health struct {
	Report       Report
	CacheFresh   bool
	LastHealthy  time.Time
	StarterLease *lease.Owner
}
