// Package store persists the HQ remote registry. Only routing metadata
// lives here; terminal output is never stored in the database, it stays in
// the per-session cast files.
package store

import (
	"context"
	"time"
)

// Remote is a registered downstream vtserver this HQ federates.
type Remote struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Token        string    `json:"token"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// RemoteSession maps a session ID to the remote that owns it.
type RemoteSession struct {
	SessionID string    `json:"session_id"`
	RemoteID  string    `json:"remote_id"`
	AddedAt   time.Time `json:"added_at"`
}

// Store is the registry's storage interface. All methods are safe for
// concurrent use. Lookups for absent rows return (nil, nil).
type Store interface {
	UpsertRemote(ctx context.Context, r Remote) error
	GetRemote(ctx context.Context, id string) (*Remote, error)
	ListRemotes(ctx context.Context) ([]Remote, error)
	// DeleteRemote removes the remote and every session routed to it.
	DeleteRemote(ctx context.Context, id string) error
	TouchRemote(ctx context.Context, id string) error

	AddRemoteSession(ctx context.Context, sessionID, remoteID string) error
	RemoveRemoteSession(ctx context.Context, sessionID string) error
	ListRemoteSessions(ctx context.Context) ([]RemoteSession, error)

	Close() error
}
