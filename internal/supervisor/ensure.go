package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spoolq/internal/lease"
	"spoolq/internal/logging"
)

// EnsureStarted returns once a healthy worker is running, starting one when
// needed. Concurrent callers compete for the starter lease; losers wait for
// the winner's worker instead of spawning their own.
func (s *Supervisor) EnsureStarted(ctx context.Context) (Result, error) {
	if s.CachedCheck() {
		return Result{State: StateHealthy}, nil
	}
	switch report := s.FullCheck(ctx); {
	case report.Healthy():
		return Result{State: StateHealthy}, nil
	case report.Err != nil:
		return Result{State: StateUnknown}, fmt.Errorf("check worker health: %w", report.Err)
	}

	deadline := time.Now().Add(s.opts.StartupWait)
	var held *lease.Lease
	waited := false
	for {
		l, err := s.lease.TryAcquire()
		if err == nil {
			held = l
			break
		}
		if !errors.Is(err, lease.ErrHeld) {
			return Result{State: StateUnknown}, fmt.Errorf("acquire starter lease: %w", err)
		}
		waited = true
		if s.CachedCheck() {
			return Result{State: StateHealthy, Waited: true}, nil
		}
		if report := s.inspect(); report.Healthy() {
			_ = s.run.MarkHealthy()
			return Result{State: StateHealthy, Waited: true}, nil
		}
		if time.Now().After(deadline) {
			return Result{State: StateUnknown, Waited: true}, ErrStartTimeout
		}
		if err := sleep(ctx, s.opts.PollInterval); err != nil {
			return Result{State: StateUnknown, Waited: true}, err
		}
	}
	defer func() {
		if err := held.Release(); err != nil {
			s.logger.Debug("release starter lease failed", logging.Error(err))
		}
	}()

	// Another starter may have finished between our first check and the lease.
	report := s.FullCheck(ctx)
	if report.Err != nil {
		return Result{State: StateUnknown, Waited: waited}, fmt.Errorf("check worker health: %w", report.Err)
	}
	switch report.State {
	case StateHealthy:
		return Result{State: StateHealthy, Waited: waited}, nil
	case StateStarting:
		return s.awaitIdentity(ctx, 0, waited)
	}

	if s.launcher == nil {
		return Result{State: StateUnknown}, errors.New("no worker launcher configured")
	}
	pid, err := s.launcher.Launch(ctx)
	if err != nil {
		return Result{State: StateUnhealthy}, fmt.Errorf("launch worker: %w", err)
	}
	s.logger.Info("worker launched",
		logging.Int("pid", pid),
		logging.String(logging.FieldEventType, "worker_launched"),
	)
	result, err := s.awaitIdentity(ctx, pid, waited)
	result.Launched = true
	return result, err
}

// awaitIdentity polls until a live worker has published its identity.
func (s *Supervisor) awaitIdentity(ctx context.Context, pid int, waited bool) (Result, error) {
	deadline := time.Now().Add(s.opts.IdentityWait)
	for {
		identity, err := s.run.ReadIdentity()
		if err == nil && s.alive(identity.PID) {
			if err := s.run.MarkHealthy(); err != nil {
				s.logger.Debug("health cache update failed", logging.Error(err))
			}
			return Result{State: StateHealthy, PID: identity.PID, Waited: waited}, nil
		}
		if time.Now().After(deadline) {
			return Result{State: StateStarting, PID: pid, Waited: waited}, ErrStartTimeout
		}
		if err := sleep(ctx, s.opts.PollInterval); err != nil {
			return Result{State: StateStarting, PID: pid, Waited: waited}, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
