package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulseboard/slack-auth/internal/domain"
)

// Compile-time interface assertions.
var (
	_ WorkspaceRepository = (*PostgresWorkspaceRepo)(nil)
	_ TokenRepository     = (*PostgresTokenRepo)(nil)
)

// PostgresWorkspaceRepo implements WorkspaceRepository.
type PostgresWorkspaceRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresWorkspaceRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresWorkspaceRepo {
	return &PostgresWorkspaceRepo{db: pool, node: node}
}

const upsertWorkspaceSQL = `
INSERT INTO workspaces (id, slack_team_id, name, domain, is_active, subscription_tier, data_retention_days)
VALUES ($1, $2, $3, $4, TRUE, 'free', 30)
ON CONFLICT (slack_team_id) DO UPDATE
SET name = EXCLUDED.name,
    domain = EXCLUDED.domain,
    is_active = TRUE,
    updated_at = now()
RETURNING id, slack_team_id, name, domain, is_active, subscription_tier, data_retention_days, created_at, updated_at`

func (r *PostgresWorkspaceRepo) UpsertBySlackTeamID(ctx context.Context, team domain.Team) (domain.Workspace, error) {
	row := r.db.QueryRow(ctx, upsertWorkspaceSQL, r.node.Generate().Int64(), team.ID, team.Name, nullString(team.Domain))

	ws, err := scanWorkspace(row)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("upsert workspace: %w", err)
	}
	return ws, nil
}

const getWorkspaceSQL = `
SELECT id, slack_team_id, name, domain, is_active, subscription_tier, data_retention_days, created_at, updated_at
FROM workspaces
WHERE id = $1`

func (r *PostgresWorkspaceRepo) GetByID(ctx context.Context, workspaceID int64) (domain.Workspace, error) {
	ws, err := scanWorkspace(r.db.QueryRow(ctx, getWorkspaceSQL, workspaceID))
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

func scanWorkspace(row pgx.Row) (domain.Workspace, error) {
	var (
		ws     domain.Workspace
		wsDom  sql.NullString
		tier   sql.NullString
		retain sql.NullInt32
	)
	if err := row.Scan(&ws.ID, &ws.SlackTeamID, &ws.Name, &wsDom, &ws.IsActive, &tier, &retain, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		return domain.Workspace{}, err
	}
	ws.Domain = wsDom.String
	ws.SubscriptionTier = tier.String
	ws.DataRetentionDays = int(retain.Int32)
	return ws, nil
}

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresTokenRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool, node: node}
}

const upsertTokenSQL = `
INSERT INTO oauth_tokens (id, workspace_id, slack_user_id, token_kind, access_token, refresh_token, scopes, expires_at, is_active, rotation_enabled, transition)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)
ON CONFLICT (workspace_id, token_kind) DO UPDATE
SET slack_user_id = EXCLUDED.slack_user_id,
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    scopes = EXCLUDED.scopes,
    expires_at = EXCLUDED.expires_at,
    is_active = TRUE,
    rotation_enabled = EXCLUDED.rotation_enabled,
    transition = EXCLUDED.transition,
    updated_at = now()
RETURNING id, workspace_id, slack_user_id, token_kind, access_token, refresh_token, scopes, expires_at, is_active, rotation_enabled, transition, created_at, updated_at`

func (r *PostgresTokenRepo) Upsert(ctx context.Context, token domain.OAuthToken) (domain.OAuthToken, error) {
	row := r.db.QueryRow(ctx, upsertTokenSQL,
		r.node.Generate().Int64(),
		token.WorkspaceID,
		nullString(token.SlackUserID),
		string(token.Kind),
		token.AccessToken,
		nullString(token.RefreshToken),
		token.Scopes,
		token.ExpiresAt,
		token.RotationEnabled,
		string(token.Transition),
	)
	stored, err := scanToken(row)
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("upsert token: %w", err)
	}
	return stored, nil
}

const findActiveTokenSQL = `
SELECT id, workspace_id, slack_user_id, token_kind, access_token, refresh_token, scopes, expires_at, is_active, rotation_enabled, transition, created_at, updated_at
FROM oauth_tokens
WHERE workspace_id = $1 AND token_kind = $2 AND is_active
ORDER BY created_at DESC
LIMIT 1`

func (r *PostgresTokenRepo) FindActive(ctx context.Context, workspaceID int64, kind domain.TokenKind) (domain.OAuthToken, error) {
	token, err := scanToken(r.db.QueryRow(ctx, findActiveTokenSQL, workspaceID, string(kind)))
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("find active token: %w", err)
	}
	return token, nil
}

const listActiveTokensSQL = `
SELECT id, workspace_id, slack_user_id, token_kind, access_token, refresh_token, scopes, expires_at, is_active, rotation_enabled, transition, created_at, updated_at
FROM oauth_tokens
WHERE workspace_id = $1 AND is_active AND ($2::text IS NULL OR token_kind = $2)
ORDER BY created_at DESC`

func (r *PostgresTokenRepo) ListActiveByWorkspace(ctx context.Context, workspaceID int64, kind *domain.TokenKind) ([]domain.OAuthToken, error) {
	rows, err := r.db.Query(ctx, listActiveTokensSQL, workspaceID, kindParam(kind))
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.OAuthToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

func (r *PostgresTokenRepo) MarkInactive(ctx context.Context, tokenID int64) error {
	const query = `UPDATE oauth_tokens SET is_active = FALSE, transition = 'deactivated', updated_at = now() WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, tokenID); err != nil {
		return fmt.Errorf("mark token inactive: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) MarkAllInactive(ctx context.Context, workspaceID int64, kind *domain.TokenKind) error {
	const query = `
UPDATE oauth_tokens
SET is_active = FALSE, transition = 'deactivated', updated_at = now()
WHERE workspace_id = $1 AND is_active AND ($2::text IS NULL OR token_kind = $2)`
	if _, err := r.db.Exec(ctx, query, workspaceID, kindParam(kind)); err != nil {
		return fmt.Errorf("mark tokens inactive: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM oauth_tokens WHERE NOT is_active AND updated_at < $1`
	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete inactive tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (domain.OAuthToken, error) {
	var (
		token      domain.OAuthToken
		kind       string
		slackUser  sql.NullString
		refresh    sql.NullString
		expiresAt  sql.NullTime
		transition sql.NullString
	)
	if err := row.Scan(
		&token.ID,
		&token.WorkspaceID,
		&slackUser,
		&kind,
		&token.AccessToken,
		&refresh,
		&token.Scopes,
		&expiresAt,
		&token.IsActive,
		&token.RotationEnabled,
		&transition,
		&token.CreatedAt,
		&token.UpdatedAt,
	); err != nil {
		return domain.OAuthToken{}, err
	}
	token.Kind = domain.TokenKind(kind)
	token.SlackUserID = slackUser.String
	token.RefreshToken = refresh.String
	token.Transition = domain.Transition(transition.String)
	if expiresAt.Valid {
		t := expiresAt.Time
		token.ExpiresAt = &t
	}
	return token, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func kindParam(kind *domain.TokenKind) *string {
	if kind == nil {
		return nil
	}
	s := string(*kind)
	return &s
}
