// Package resolver runs the background identity reconciliation loop:
// contacts added without a known identity are periodically checked
// against the local identity cache, nudged along with path requests,
// and written off after a bounded lifetime.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshline/internal/config"
	"meshline/internal/domain"
	"meshline/internal/protocol"
)

// ContactStore is the slice of the contact repository the scheduler
// writes through. Per-contact updates must be atomic; meshline/internal/repo
// satisfies this with single-row UPDATEs.
type ContactStore interface {
	ListContactsByStatus(ctx context.Context, statuses ...string) ([]domain.Contact, error)
	UpdateContactStatus(ctx context.Context, destinationHash, status string) error
	UpdateContactWithIdentity(ctx context.Context, destinationHash string, publicKey []byte) error
}

// Scheduler owns one background reconciliation loop. Construct it with
// its collaborators, call Start once, Stop on shutdown. The zero
// interval/timeout fall back to the configured defaults.
type Scheduler struct {
	Store    ContactStore
	Facade   protocol.Facade
	Interval time.Duration
	Timeout  time.Duration
	Now      func() time.Time
	// OnEvent observes contact transitions (contact.resolved,
	// contact.unresolved, contact.retry) for audit logging.
	OnEvent func(eventType, destinationHash string)
	// OnPass observes every completed pass, scheduled or manual.
	OnPass func(PassReport)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	passMu sync.Mutex

	reportMu sync.Mutex
	last     *PassReport
}

// ContactError records a contact whose processing failed during a pass.
type ContactError struct {
	DestinationHash string `json:"destination_hash"`
	Err             string `json:"error"`
}

// PassReport summarizes one reconciliation pass. Per-contact failures
// are collected here instead of aborting the pass.
type PassReport struct {
	StartedAt time.Time      `json:"started_at"`
	Checked   int            `json:"checked"`
	Resolved  int            `json:"resolved"`
	Expired   int            `json:"expired"`
	Requested int            `json:"requested"`
	Errors    []ContactError `json:"errors,omitempty"`
	FetchErr  string         `json:"fetch_error,omitempty"`
}

// Status is a snapshot of the scheduler for operators.
type Status struct {
	Running  bool        `json:"running"`
	Interval string      `json:"interval"`
	Timeout  string      `json:"timeout"`
	LastPass *PassReport `json:"last_pass,omitempty"`
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return config.DefaultResolveInterval
}

func (s *Scheduler) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return config.DefaultResolveTimeout
}

func (s *Scheduler) emit(eventType, destinationHash string) {
	if s.OnEvent != nil {
		s.OnEvent(eventType, destinationHash)
	}
}

// Start launches the background loop. It is idempotent: a second Start
// while the loop is alive logs and returns without spawning another.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		slog.Info("resolution scheduler already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	slog.Info("resolution scheduler started", "interval", s.interval().String(), "timeout", s.timeout().String())
}

// Stop cancels the loop and waits for it to exit. Safe to call when not
// running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	slog.Info("resolution scheduler stopped")
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Status returns a snapshot for the API and CLI.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()
	s.reportMu.Lock()
	last := s.last
	s.reportMu.Unlock()
	return Status{
		Running:  running,
		Interval: s.interval().String(),
		Timeout:  s.timeout().String(),
		LastPass: last,
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		// A failed pass is logged inside RunPass and never ends the loop.
		s.RunPass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunPass executes one reconciliation sweep over all pending contacts.
// Contacts are handled one at a time in store order; an error on one is
// recorded and the sweep moves on. Manual passes (API, CLI) serialize
// against the ticker loop's pass: at most one sweep runs at a time per
// scheduler instance.
func (s *Scheduler) RunPass(ctx context.Context) PassReport {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	report := PassReport{StartedAt: s.now()}
	pending, err := s.Store.ListContactsByStatus(ctx, domain.StatusPendingIdentity)
	if err != nil {
		report.FetchErr = err.Error()
		slog.Warn("resolution pass aborted: listing pending contacts", "err", err)
		return s.finish(report)
	}
	if len(pending) == 0 {
		slog.Debug("resolution pass: no pending contacts")
		return s.finish(report)
	}
	for _, c := range pending {
		report.Checked++
		outcome, err := s.resolveContact(ctx, c)
		if err != nil {
			report.Errors = append(report.Errors, ContactError{DestinationHash: c.DestinationHash, Err: err.Error()})
			slog.Warn("resolution failed for contact", "destination", c.DestinationHash, "err", err)
			continue
		}
		switch outcome {
		case outcomeResolved:
			report.Resolved++
		case outcomeExpired:
			report.Expired++
		case outcomeRequested:
			report.Requested++
		}
	}
	slog.Info("resolution pass complete",
		"checked", report.Checked,
		"resolved", report.Resolved,
		"expired", report.Expired,
		"requested", report.Requested,
		"errors", len(report.Errors))
	return s.finish(report)
}

type outcome int

const (
	outcomeRequested outcome = iota
	outcomeResolved
	outcomeExpired
)

func (s *Scheduler) resolveContact(ctx context.Context, c domain.Contact) (outcome, error) {
	added, err := time.Parse(time.RFC3339Nano, c.AddedAt)
	if err != nil {
		return 0, fmt.Errorf("parse added_at %q: %w", c.AddedAt, err)
	}
	// Expired contacts are written off without touching cache or network.
	if s.now().Sub(added) > s.timeout() {
		if err := s.Store.UpdateContactStatus(ctx, c.DestinationHash, domain.StatusUnresolved); err != nil {
			return 0, fmt.Errorf("mark unresolved: %w", err)
		}
		s.emit("contact.unresolved", c.DestinationHash)
		return outcomeExpired, nil
	}
	key, err := s.Facade.RecallIdentity(ctx, c.DestinationHash)
	if err != nil {
		return 0, fmt.Errorf("recall identity: %w", err)
	}
	if len(key) > 0 {
		if err := s.Store.UpdateContactWithIdentity(ctx, c.DestinationHash, key); err != nil {
			return 0, fmt.Errorf("store identity: %w", err)
		}
		s.emit("contact.resolved", c.DestinationHash)
		return outcomeResolved, nil
	}
	// Cache miss: nudge the network and leave the contact pending. Path
	// request failures are tolerated silently; resolution is best-effort
	// and the contact will be retried on the next pass.
	if err := s.Facade.RequestPath(ctx, c.DestinationHash); err != nil {
		slog.Debug("path request failed", "destination", c.DestinationHash, "err", err)
	}
	return outcomeRequested, nil
}

// Retry resets a contact to pending regardless of its current status and
// issues exactly one path request. This is the only externally
// triggerable action outside the periodic cadence.
func (s *Scheduler) Retry(ctx context.Context, destinationHash string) error {
	if err := s.Store.UpdateContactStatus(ctx, destinationHash, domain.StatusPendingIdentity); err != nil {
		return err
	}
	s.emit("contact.retry", destinationHash)
	if err := s.Facade.RequestPath(ctx, destinationHash); err != nil {
		slog.Debug("path request failed", "destination", destinationHash, "err", err)
	}
	return nil
}

func (s *Scheduler) finish(r PassReport) PassReport {
	s.reportMu.Lock()
	s.last = &r
	s.reportMu.Unlock()
	if s.OnPass != nil {
		s.OnPass(r)
	}
	return r
}
