// Package protocol fronts the mesh layer for the rest of the process:
// a local identity cache lookup and a fire-and-forget path request.
// The transport itself (routing, radio interfaces, announce delivery)
// lives outside this repository.
package protocol

import (
	"context"
	"errors"
	"log/slog"

	"meshline/internal/events"
	"meshline/internal/repo"
)

// Facade is the narrow surface the resolver needs from the mesh layer.
type Facade interface {
	// RecallIdentity looks up a destination's public key in the local
	// identity cache. It returns nil with no error on a cache miss and
	// never touches the network.
	RecallIdentity(ctx context.Context, destinationHash string) ([]byte, error)
	// RequestPath asks the mesh to discover a route (and identity) for
	// a destination. Fire-and-forget: any result surfaces later through
	// RecallIdentity once the cache has been populated.
	RequestPath(ctx context.Context, destinationHash string) error
}

// LocalFacade serves identity recalls from the sqlite-backed cache that
// announce ingestion keeps fresh, and hands path requests to the host
// transport through OnPathRequest.
type LocalFacade struct {
	Repo   repo.Repo
	Events events.Writer
	// OnPathRequest forwards a path request to the mesh transport. Nil
	// means no transport is attached; the request is still recorded.
	OnPathRequest func(destinationHash string)
}

func (f LocalFacade) RecallIdentity(ctx context.Context, destinationHash string) ([]byte, error) {
	ident, err := f.Repo.GetIdentity(ctx, destinationHash)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ident.PublicKey, nil
}

func (f LocalFacade) RequestPath(ctx context.Context, destinationHash string) error {
	if f.OnPathRequest != nil {
		f.OnPathRequest(destinationHash)
	}
	slog.Debug("path request issued", "destination", destinationHash)
	if err := f.Events.AppendDB(ctx, "path_request.sent", "contact", destinationHash, nil); err != nil {
		// Best-effort bookkeeping; the request itself already went out.
		slog.Debug("record path request", "destination", destinationHash, "err", err)
	}
	return nil
}
