package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"meshline/internal/classify"
	"meshline/internal/config"
	"meshline/internal/domain"
	"meshline/internal/events"
	"meshline/internal/protocol"
	"meshline/internal/repo"
	"meshline/internal/resolver"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// NewScheduler wires a resolution scheduler to this engine's contact
// store, identity cache, and event log: contact transitions and pass
// summaries land in the events table. Event append failures are logged
// and never interfere with resolution itself.
func (e Engine) NewScheduler() *resolver.Scheduler {
	s := &resolver.Scheduler{
		Store:    e.Repo,
		Facade:   protocol.LocalFacade{Repo: e.Repo, Events: e.Events},
		Interval: e.Config.ResolveInterval(),
		Timeout:  e.Config.ResolveTimeout(),
		Now:      e.Now,
	}
	s.OnEvent = func(eventType, destinationHash string) {
		if err := e.Events.AppendDB(context.Background(), eventType, "contact", destinationHash, nil); err != nil {
			slog.Warn("event append failed", "type", eventType, "destination", destinationHash, "err", err)
		}
	}
	s.OnPass = func(r resolver.PassReport) {
		// Idle passes stay out of the log; the 15-minute cadence would
		// drown everything else.
		if r.Checked == 0 && r.FetchErr == "" {
			return
		}
		payload := events.EventPayload{
			"checked":   r.Checked,
			"resolved":  r.Resolved,
			"expired":   r.Expired,
			"requested": r.Requested,
			"errors":    len(r.Errors),
		}
		if r.FetchErr != "" {
			payload["fetch_error"] = r.FetchErr
		}
		if err := e.Events.AppendDB(context.Background(), "resolver.pass", "resolver", "", payload); err != nil {
			slog.Warn("event append failed", "type", "resolver.pass", "err", err)
		}
	}
	return s
}

// AnnounceOptions are the fields of one received announce packet as the
// transport hands them over.
type AnnounceOptions struct {
	DestinationHash string
	Aspect          string
	Payload         []byte
	PublicKey       []byte
	Hops            *int
}

// RecordAnnounce classifies and persists one announce. When the announce
// carries the sender's public key the local identity cache is refreshed
// in the same transaction, which is what later lets the resolver turn a
// pending contact into a resolved one without a network round trip.
func (e Engine) RecordAnnounce(ctx context.Context, opts AnnounceOptions) (domain.Announce, error) {
	if err := repo.ValidateDestinationHash(opts.DestinationHash); err != nil {
		return domain.Announce{}, err
	}
	role := classify.Classify(opts.Aspect, opts.Payload)
	now := e.now().UTC().Format(time.RFC3339Nano)
	a := domain.Announce{
		ID:              uuid.NewString(),
		DestinationHash: opts.DestinationHash,
		Aspect:          opts.Aspect,
		Payload:         opts.Payload,
		Role:            string(role),
		RoleLabel:       classify.DescribeRole(role),
		Hops:            opts.Hops,
		PublicKey:       opts.PublicKey,
		ReceivedAt:      now,
	}
	if role == classify.RolePropagationNode {
		// Relay announces embed their cost block; extraction is
		// best-effort and missing fields stay null.
		if meta, ok := classify.ParsePropagationMetadata(opts.Payload); ok {
			a.StampCost = meta.StampCost
			a.StampCostFlex = meta.StampCostFlex
			a.PeeringCost = meta.PeeringCost
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Announce{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAnnounce(ctx, tx, a); err != nil {
		return domain.Announce{}, fmt.Errorf("insert announce: %w", err)
	}
	if len(opts.PublicKey) > 0 {
		ident := domain.Identity{
			DestinationHash: opts.DestinationHash,
			PublicKey:       opts.PublicKey,
			UpdatedAt:       now,
		}
		if err := e.Repo.UpsertIdentity(ctx, tx, ident); err != nil {
			return domain.Announce{}, fmt.Errorf("refresh identity cache: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "announce.received", "announce", a.ID, events.EventPayload{
		"destination_hash": a.DestinationHash,
		"role":             a.Role,
		"aspect":           a.Aspect,
	}); err != nil {
		return domain.Announce{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Announce{}, err
	}
	return a, nil
}

// AddContact registers a destination whose identity is not yet known.
// It starts pending and is picked up by the resolution scheduler.
func (e Engine) AddContact(ctx context.Context, destinationHash, displayName string) (domain.Contact, error) {
	if err := repo.ValidateDestinationHash(destinationHash); err != nil {
		return domain.Contact{}, err
	}
	if _, err := e.Repo.GetContact(ctx, destinationHash); err == nil {
		return domain.Contact{}, fmt.Errorf("contact %s already exists", destinationHash)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Contact{}, err
	}
	now := e.now().UTC().Format(time.RFC3339Nano)
	c := domain.Contact{
		DestinationHash: destinationHash,
		DisplayName:     displayName,
		Status:          domain.StatusPendingIdentity,
		AddedAt:         now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertContact(ctx, c); err != nil {
		return domain.Contact{}, fmt.Errorf("insert contact: %w", err)
	}
	if err := e.Events.AppendDB(ctx, "contact.added", "contact", destinationHash, nil); err != nil {
		return domain.Contact{}, err
	}
	return c, nil
}
