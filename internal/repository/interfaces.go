package repository

import (
	"context"
	"time"

	"github.com/pulseboard/slack-auth/internal/domain"
)

// WorkspaceRepository exposes tenant persistence.
type WorkspaceRepository interface {
	// UpsertBySlackTeamID creates the workspace on first authorization and
	// refreshes name/domain on repeat authorization.
	UpsertBySlackTeamID(ctx context.Context, team domain.Team) (domain.Workspace, error)
	GetByID(ctx context.Context, workspaceID int64) (domain.Workspace, error)
}

// TokenRepository handles encrypted credential persistence. At most one
// active token exists per (workspace, kind); Upsert enforces that key.
type TokenRepository interface {
	Upsert(ctx context.Context, token domain.OAuthToken) (domain.OAuthToken, error)
	FindActive(ctx context.Context, workspaceID int64, kind domain.TokenKind) (domain.OAuthToken, error)
	ListActiveByWorkspace(ctx context.Context, workspaceID int64, kind *domain.TokenKind) ([]domain.OAuthToken, error)
	MarkInactive(ctx context.Context, tokenID int64) error
	MarkAllInactive(ctx context.Context, workspaceID int64, kind *domain.TokenKind) error
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StateRecord is the persisted authorization-attempt state.
type StateRecord struct {
	State       string    `json:"state"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
}

// StateStore persists short-lived anti-CSRF state values server-side.
type StateStore interface {
	SaveState(ctx context.Context, key string, data StateRecord, ttl time.Duration) error
	GetState(ctx context.Context, key string) (*StateRecord, error)
	DeleteState(ctx context.Context, key string) error
}
