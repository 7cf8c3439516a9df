package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pulseboard/slack-auth/internal/crypto"
	"github.com/pulseboard/slack-auth/internal/domain"
	"github.com/pulseboard/slack-auth/internal/repository"
)

// RefreshBuffer is the lead time before actual expiry at which a token is
// proactively renewed, so a caller is never handed a token that might expire
// mid-use.
const RefreshBuffer = 5 * time.Minute

// Provider is the subset of OAuth protocol operations the lifecycle manager
// depends on.
type Provider interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error)
	RevokeToken(ctx context.Context, accessToken string) error
	TestToken(ctx context.Context, accessToken string) (*domain.TokenIdentity, error)
}

// Manager is the single source of truth for "give me a token I can use right
// now", hiding refresh timing and persistence from callers.
type Manager struct {
	tokens   repository.TokenRepository
	provider Provider
	cipher   *crypto.Cipher
	logger   *zap.Logger

	// Concurrent refreshes for the same (workspace, kind) collapse into one
	// provider call; losers receive the winner's token.
	group singleflight.Group
}

// NewManager wires the token lifecycle manager.
func NewManager(tokens repository.TokenRepository, provider Provider, cipher *crypto.Cipher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{tokens: tokens, provider: provider, cipher: cipher, logger: logger}
}

// StoreTokens encrypts and upserts the grant for (workspace, kind), always
// reactivating the record. This is the only write path for credentials.
func (m *Manager) StoreTokens(ctx context.Context, workspaceID int64, data domain.TokenData, slackUserID string, kind domain.TokenKind, rotationEnabled bool) error {
	return m.storeTokens(ctx, workspaceID, data, slackUserID, kind, rotationEnabled, domain.TransitionIssued)
}

func (m *Manager) storeTokens(ctx context.Context, workspaceID int64, data domain.TokenData, slackUserID string, kind domain.TokenKind, rotationEnabled bool, transition domain.Transition) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown token kind %q", kind)
	}

	encryptedAccess, err := m.cipher.Encrypt(data.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	var encryptedRefresh string
	if data.RefreshToken != "" {
		encryptedRefresh, err = m.cipher.Encrypt(data.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	// Absent expires_in means the token never expires.
	var expiresAt *time.Time
	if data.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(data.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	if _, err := m.tokens.Upsert(ctx, domain.OAuthToken{
		WorkspaceID:     workspaceID,
		SlackUserID:     slackUserID,
		Kind:            kind,
		AccessToken:     encryptedAccess,
		RefreshToken:    encryptedRefresh,
		Scopes:          data.Scopes,
		ExpiresAt:       expiresAt,
		IsActive:        true,
		RotationEnabled: rotationEnabled,
		Transition:      transition,
	}); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}

	m.logger.Info("tokens stored",
		zap.Int64("workspace_id", workspaceID),
		zap.String("kind", string(kind)),
		zap.String("transition", string(transition)),
	)
	return nil
}

// GetValidToken returns a usable plaintext access token for (workspace,
// kind), refreshing synchronously when expiry is within the buffer.
func (m *Manager) GetValidToken(ctx context.Context, workspaceID int64, kind domain.TokenKind) (string, error) {
	record, err := m.tokens.FindActive(ctx, workspaceID, kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: workspace=%d kind=%s", domain.ErrNoActiveToken, workspaceID, kind)
		}
		return "", fmt.Errorf("load token: %w", err)
	}

	if record.RotationEnabled && record.ExpiresAt != nil {
		expiresIn := time.Until(*record.ExpiresAt)
		if expiresIn <= RefreshBuffer {
			m.logger.Info("token near expiry, refreshing",
				zap.Int64("workspace_id", workspaceID),
				zap.String("kind", string(kind)),
				zap.Duration("expires_in", expiresIn),
			)
			return m.refreshSingleFlight(ctx, workspaceID, kind, record)
		}
	}

	plaintext, err := m.cipher.Decrypt(record.AccessToken)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	return plaintext, nil
}

func (m *Manager) refreshSingleFlight(ctx context.Context, workspaceID int64, kind domain.TokenKind, record domain.OAuthToken) (string, error) {
	key := fmt.Sprintf("%d/%s", workspaceID, kind)
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.refresh(ctx, workspaceID, record)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh exchanges the stored refresh token for a new grant and re-upserts
// it, so the caller observes the new credentials and expiry together. A
// record that cannot self-heal is deactivated on the way out.
func (m *Manager) refresh(ctx context.Context, workspaceID int64, record domain.OAuthToken) (string, error) {
	if record.RefreshToken == "" {
		m.markInactive(ctx, record.ID)
		return "", fmt.Errorf("%w: no refresh token stored", domain.ErrReauthorizationRequired)
	}

	refreshToken, err := m.cipher.Decrypt(record.RefreshToken)
	if err != nil {
		m.markInactive(ctx, record.ID)
		return "", fmt.Errorf("%w: decrypt refresh token: %v", domain.ErrReauthorizationRequired, err)
	}

	grant, err := m.provider.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		m.markInactive(ctx, record.ID)
		if errors.Is(err, domain.ErrReauthorizationRequired) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", domain.ErrReauthorizationRequired, err)
	}

	// Slack may or may not rotate the refresh token; keep the old one when it
	// does not.
	newRefresh := grant.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	if err := m.storeTokens(ctx, workspaceID, domain.TokenData{
		AccessToken:  grant.AccessToken,
		RefreshToken: newRefresh,
		ExpiresIn:    grant.ExpiresIn,
		Scopes:       record.Scopes,
	}, record.SlackUserID, record.Kind, record.RotationEnabled, domain.TransitionRefreshed); err != nil {
		// The old grant may already be invalidated provider-side; a record
		// whose refreshed credentials were lost cannot be trusted either.
		m.markInactive(ctx, record.ID)
		return "", fmt.Errorf("%w: %v", domain.ErrReauthorizationRequired, err)
	}

	m.logger.Info("token refreshed",
		zap.Int64("workspace_id", workspaceID),
		zap.String("kind", string(record.Kind)),
	)
	return grant.AccessToken, nil
}

func (m *Manager) markInactive(ctx context.Context, tokenID int64) {
	if err := m.tokens.MarkInactive(ctx, tokenID); err != nil {
		m.logger.Error("failed to mark token inactive", zap.Int64("token_id", tokenID), zap.Error(err))
	}
}

// RevokeTokens revokes all active tokens matching the optional kind filter.
// Provider-side revocation is best-effort and settle-all: one failure never
// blocks siblings or the local bulk deactivation, which is authoritative.
func (m *Manager) RevokeTokens(ctx context.Context, workspaceID int64, kind *domain.TokenKind) error {
	records, err := m.tokens.ListActiveByWorkspace(ctx, workspaceID, kind)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	failures := make(map[int64]error)
	for _, record := range records {
		g.Go(func() error {
			if err := m.revokeOne(ctx, record); err != nil {
				mu.Lock()
				failures[record.ID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for tokenID, failure := range failures {
		m.logger.Warn("provider-side revocation failed",
			zap.Int64("token_id", tokenID),
			zap.Error(failure),
		)
	}

	if err := m.tokens.MarkAllInactive(ctx, workspaceID, kind); err != nil {
		return fmt.Errorf("deactivate tokens: %w", err)
	}

	m.logger.Info("tokens revoked",
		zap.Int64("workspace_id", workspaceID),
		zap.Int("count", len(records)),
		zap.Int("provider_failures", len(failures)),
	)
	return nil
}

func (m *Manager) revokeOne(ctx context.Context, record domain.OAuthToken) error {
	accessToken, err := m.cipher.Decrypt(record.AccessToken)
	if err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}
	return m.provider.RevokeToken(ctx, accessToken)
}

// GetWorkspaceTokens returns active records' metadata only, never the
// encrypted or decrypted secret fields.
func (m *Manager) GetWorkspaceTokens(ctx context.Context, workspaceID int64) ([]domain.TokenSummary, error) {
	records, err := m.tokens.ListActiveByWorkspace(ctx, workspaceID, nil)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	summaries := make([]domain.TokenSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, domain.TokenSummary{
			ID:              record.ID,
			WorkspaceID:     record.WorkspaceID,
			SlackUserID:     record.SlackUserID,
			Kind:            record.Kind,
			Scopes:          record.Scopes,
			ExpiresAt:       record.ExpiresAt,
			RotationEnabled: record.RotationEnabled,
			CreatedAt:       record.CreatedAt,
			UpdatedAt:       record.UpdatedAt,
		})
	}
	return summaries, nil
}

// TestTokens resolves a valid token and asks the provider to self-report
// liveness for it. Failures anywhere in the chain are reported as data; this
// is a diagnostic operation and never propagates.
func (m *Manager) TestTokens(ctx context.Context, workspaceID int64, kind domain.TokenKind) domain.TestResult {
	accessToken, err := m.GetValidToken(ctx, workspaceID, kind)
	if err != nil {
		return domain.TestResult{Valid: false, Error: err.Error()}
	}
	identity, err := m.provider.TestToken(ctx, accessToken)
	if err != nil {
		return domain.TestResult{Valid: false, Error: err.Error()}
	}
	return domain.TestResult{Valid: true, TokenInfo: identity}
}

// GetTokenExpiry is a pure read: no side effects, no network calls. ExpiresIn
// is clamped to zero once past expiry; NeedsRefresh mirrors the buffer rule
// used by GetValidToken.
func (m *Manager) GetTokenExpiry(ctx context.Context, workspaceID int64, kind domain.TokenKind) (domain.ExpiryInfo, error) {
	record, err := m.tokens.FindActive(ctx, workspaceID, kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExpiryInfo{}, nil
		}
		return domain.ExpiryInfo{}, fmt.Errorf("load token: %w", err)
	}
	if record.ExpiresAt == nil {
		return domain.ExpiryInfo{}, nil
	}

	expiresIn := time.Until(*record.ExpiresAt)
	needsRefresh := record.RotationEnabled && expiresIn <= RefreshBuffer
	if expiresIn < 0 {
		expiresIn = 0
	}
	return domain.ExpiryInfo{
		ExpiresAt:    record.ExpiresAt,
		ExpiresIn:    expiresIn,
		NeedsRefresh: needsRefresh,
	}, nil
}

// CleanupExpiredTokens bulk-deletes inactive records whose updatedAt predates
// the cutoff. Housekeeping only; nothing assumes inactive records are absent.
func (m *Manager) CleanupExpiredTokens(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	count, err := m.tokens.DeleteInactiveBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup tokens: %w", err)
	}
	if count > 0 {
		m.logger.Info("cleaned up inactive tokens", zap.Int64("count", count))
	}
	return count, nil
}
