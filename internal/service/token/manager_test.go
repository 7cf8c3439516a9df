package token

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulseboard/slack-auth/internal/crypto"
	"github.com/pulseboard/slack-auth/internal/domain"
)

// memoryTokenRepo mirrors the database unique key: at most one row exists per
// (workspace, kind), and Upsert replaces it in place.
type memoryTokenRepo struct {
	mu        sync.Mutex
	nextID    int64
	rows      map[string]*domain.OAuthToken
	upsertErr error
}

func newMemoryTokenRepo() *memoryTokenRepo {
	return &memoryTokenRepo{rows: map[string]*domain.OAuthToken{}}
}

func rowKey(workspaceID int64, kind domain.TokenKind) string {
	return fmt.Sprintf("%d/%s", workspaceID, kind)
}

func (r *memoryTokenRepo) Upsert(_ context.Context, token domain.OAuthToken) (domain.OAuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.upsertErr != nil {
		return domain.OAuthToken{}, r.upsertErr
	}

	key := rowKey(token.WorkspaceID, token.Kind)
	now := time.Now()
	if existing, ok := r.rows[key]; ok {
		token.ID = existing.ID
		token.CreatedAt = existing.CreatedAt
	} else {
		r.nextID++
		token.ID = r.nextID
		token.CreatedAt = now
	}
	token.UpdatedAt = now
	r.rows[key] = &token
	return token, nil
}

func (r *memoryTokenRepo) FindActive(_ context.Context, workspaceID int64, kind domain.TokenKind) (domain.OAuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[rowKey(workspaceID, kind)]
	if !ok || !row.IsActive {
		return domain.OAuthToken{}, fmt.Errorf("find active token: %w", pgx.ErrNoRows)
	}
	return *row, nil
}

func (r *memoryTokenRepo) ListActiveByWorkspace(_ context.Context, workspaceID int64, kind *domain.TokenKind) ([]domain.OAuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.OAuthToken
	for _, row := range r.rows {
		if row.WorkspaceID != workspaceID || !row.IsActive {
			continue
		}
		if kind != nil && row.Kind != *kind {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

func (r *memoryTokenRepo) MarkInactive(_ context.Context, tokenID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.ID == tokenID {
			row.IsActive = false
			row.Transition = domain.TransitionDeactivated
			row.UpdatedAt = time.Now()
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (r *memoryTokenRepo) MarkAllInactive(_ context.Context, workspaceID int64, kind *domain.TokenKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.WorkspaceID != workspaceID {
			continue
		}
		if kind != nil && row.Kind != *kind {
			continue
		}
		row.IsActive = false
		row.Transition = domain.TransitionDeactivated
		row.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memoryTokenRepo) DeleteInactiveBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for key, row := range r.rows {
		if !row.IsActive && row.UpdatedAt.Before(cutoff) {
			delete(r.rows, key)
			count++
		}
	}
	return count, nil
}

func (r *memoryTokenRepo) get(t *testing.T, workspaceID int64, kind domain.TokenKind) domain.OAuthToken {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[rowKey(workspaceID, kind)]
	require.True(t, ok, "expected a row for workspace %d kind %s", workspaceID, kind)
	return *row
}

type fakeProvider struct {
	mu           sync.Mutex
	grant        *domain.TokenGrant
	refreshErr   error
	refreshDelay time.Duration
	refreshCalls int
	revokeErrs   map[string]error
	revoked      []string
	identity     *domain.TokenIdentity
	testErr      error
}

func (f *fakeProvider) RefreshAccessToken(context.Context, string) (*domain.TokenGrant, error) {
	f.mu.Lock()
	f.refreshCalls++
	err := f.refreshErr
	delay := f.refreshDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	grant := *f.grant
	return &grant, nil
}

func (f *fakeProvider) RevokeToken(_ context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, accessToken)
	return f.revokeErrs[accessToken]
}

func (f *fakeProvider) TestToken(context.Context, string) (*domain.TokenIdentity, error) {
	if f.testErr != nil {
		return nil, f.testErr
	}
	return f.identity, nil
}

type managerHarness struct {
	manager  *Manager
	repo     *memoryTokenRepo
	provider *fakeProvider
	cipher   *crypto.Cipher
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)

	repo := newMemoryTokenRepo()
	provider := &fakeProvider{}
	return &managerHarness{
		manager:  NewManager(repo, provider, cipher, zap.NewNop()),
		repo:     repo,
		provider: provider,
		cipher:   cipher,
	}
}

// seed writes an encrypted record directly, bypassing StoreTokens, so tests
// can control expiry precisely.
func (h *managerHarness) seed(t *testing.T, workspaceID int64, kind domain.TokenKind, access, refresh string, expiresAt *time.Time, rotation bool) domain.OAuthToken {
	t.Helper()

	encAccess, err := h.cipher.Encrypt(access)
	require.NoError(t, err)
	var encRefresh string
	if refresh != "" {
		encRefresh, err = h.cipher.Encrypt(refresh)
		require.NoError(t, err)
	}
	row, err := h.repo.Upsert(context.Background(), domain.OAuthToken{
		WorkspaceID:     workspaceID,
		SlackUserID:     "U001",
		Kind:            kind,
		AccessToken:     encAccess,
		RefreshToken:    encRefresh,
		Scopes:          []string{"channels:read", "chat:write"},
		ExpiresAt:       expiresAt,
		IsActive:        true,
		RotationEnabled: rotation,
		Transition:      domain.TransitionIssued,
	})
	require.NoError(t, err)
	return row
}

func future(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func TestStoreTokens_ThenGetValidToken(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	err := h.manager.StoreTokens(ctx, 1, domain.TokenData{
		AccessToken:  "xoxb-fresh",
		RefreshToken: "xoxe-refresh",
		ExpiresIn:    43200,
		Scopes:       []string{"chat:write"},
	}, "U001", domain.TokenKindBot, true)
	require.NoError(t, err)

	got, err := h.manager.GetValidToken(ctx, 1, domain.TokenKindBot)
	require.NoError(t, err)
	require.Equal(t, "xoxb-fresh", got)
	require.Zero(t, h.provider.refreshCalls)

	row := h.repo.get(t, 1, domain.TokenKindBot)
	require.True(t, row.IsActive)
	require.Equal(t, domain.TransitionIssued, row.Transition)
	require.NotEqual(t, "xoxb-fresh", row.AccessToken)
	require.NotEqual(t, "xoxe-refresh", row.RefreshToken)
}

func TestStoreTokens_NoExpiryMeansNeverExpires(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	err := h.manager.StoreTokens(ctx, 1, domain.TokenData{AccessToken: "xoxp-user"}, "U001", domain.TokenKindUser, false)
	require.NoError(t, err)

	row := h.repo.get(t, 1, domain.TokenKindUser)
	require.Nil(t, row.ExpiresAt)

	info, err := h.manager.GetTokenExpiry(ctx, 1, domain.TokenKindUser)
	require.NoError(t, err)
	require.Nil(t, info.ExpiresAt)
	require.False(t, info.NeedsRefresh)
}

func TestStoreTokens_RejectsUnknownKind(t *testing.T) {
	h := newManagerHarness(t)
	err := h.manager.StoreTokens(context.Background(), 1, domain.TokenData{AccessToken: "x"}, "", domain.TokenKind("workflow"), false)
	require.Error(t, err)
}

func TestStoreTokens_ReplacesExistingGrant(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	require.NoError(t, h.manager.StoreTokens(ctx, 1, domain.TokenData{AccessToken: "xoxb-old"}, "U001", domain.TokenKindBot, false))
	first := h.repo.get(t, 1, domain.TokenKindBot)

	require.NoError(t, h.manager.StoreTokens(ctx, 1, domain.TokenData{AccessToken: "xoxb-new"}, "U001", domain.TokenKindBot, false))
	second := h.repo.get(t, 1, domain.TokenKindBot)

	require.Equal(t, first.ID, second.ID)
	got, err := h.manager.GetValidToken(ctx, 1, domain.TokenKindBot)
	require.NoError(t, err)
	require.Equal(t, "xoxb-new", got)
}

func TestGetValidToken_NoActiveToken(t *testing.T) {
	h := newManagerHarness(t)

	_, err := h.manager.GetValidToken(context.Background(), 99, domain.TokenKindBot)
	require.ErrorIs(t, err, domain.ErrNoActiveToken)
}

func TestGetValidToken_SkipsRefreshOutsideBuffer(t *testing.T) {
	h := newManagerHarness(t)
	h.seed(t, 1, domain.TokenKindBot, "xoxb-live", "xoxe-refresh", future(time.Hour), true)

	got, err := h.manager.GetValidToken(context.Background(), 1, domain.TokenKindBot)
	require.NoError(t, err)
	require.Equal(t, "xoxb-live", got)
	require.Zero(t, h.provider.refreshCalls)
}

func TestGetValidToken_RefreshesWithinBuffer(t *testing.T) {
	h := newManagerHarness(t)
	h.seed(t, 1, domain.TokenKindBot, "xoxb-stale", "xoxe-refresh", future(2*time.Minute), true)
	h.provider.grant = &domain.TokenGrant{AccessToken: "xoxb-renewed", RefreshToken: "xoxe-rotated", ExpiresIn: 43200}

	got, err := h.manager.GetValidToken(context.Background(), 1, domain.TokenKindBot)
	require.NoError(t, err)
	require.Equal(t, "xoxb-renewed", got)
	require.Equal(t, 1, h.provider.refreshCalls)

	// New grant and new expiry land together.
	row := h.repo.get(t, 1, domain.TokenKindBot)
	require.True(t, row.IsActive)
	require.Equal(t, domain.TransitionRefreshed, row.Transition)
	require.NotNil(t, row.ExpiresAt)
	require.Greater(t, time.Until(*row.ExpiresAt), 11*time.Hour)

	access, err := h.cipher.Decrypt(row.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "xoxb-renewed", access)
	refresh, err := h.cipher.Decrypt(row.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "xoxe-rotated", refresh)
}

func TestGetValidToken_RefreshKeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	h := newManagerHarness(t)
	h.seed(t, 1, domain.TokenKindBot, "xoxb-stale", "xoxe-keep", future(time.Minute), true)
	h.provider.grant = &domain.TokenGrant{AccessToken: "xoxb-renewed", ExpiresIn: 43200}

	_, err := h.manager.GetValidToken(context.Background(), 1, domain.TokenKindBot)
	require.NoError(t, err)

	row := h.repo.get(t, 1, domain.TokenKindBot)
	refresh, err := h.cipher.Decrypt(row.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "xoxe-keep", refresh)
}

func TestGetValidToken_ExpiredWithoutRefreshToken(t *testing.T) {
	h := newManagerHarness(t)
	seeded := h.seed(t, 1, domain.TokenKindBot, "xoxb-dying", "", future(time.Minute), true)

	_, err := h.manager.GetValidToken(context.Background(), 1, domain.TokenKindBot)
	require.ErrorIs(t, err, domain.ErrReauthorizationRequired)

	row := h.repo.get(t, 1, domain.TokenKindBot)
	require.Equal(t, seeded.ID, row.ID)
	require.False(t, row.IsActive)
}

func TestGetValidToken_ProviderRefreshFailureDeactivates(t *testing.T) {
	h := newManagerHarness(t)
	h.seed(t, 1, domain.TokenKindBot, "xoxb-dying", "xoxe-refresh", future(time.Minute), true)
	h.provider.refreshErr = fmt.Errorf("%w: invalid_refresh_token", domain.ErrReauthorizationRequired)

	_, err := h.manager.GetValidToken(context.Background(), 1, domain.TokenKindBot)
	require.ErrorIs(t, err, domain.ErrReauthorizationRequired)
	require.False(t, h.repo.get(t, 1, domain.TokenKindBot).IsActive)
}

func TestGetValidToken_RefreshPersistFailureDeactivates(t *testing.T) {
	h := newManagerHarness(t)
	h.seed(t, 1, domain.TokenKindBot, "xoxb-stale", "xoxe-refresh", future(time.Minute), true)
	h.provider.grant = &domain.TokenGrant{AccessToken: "xoxb-renewed", ExpiresIn: 43200}
	h.repo.mu.Lock()
	h.repo.upsertErr = fmt.Errorf("connection lost")
	h.repo.mu.Unlock()

	_, err := h.manager.GetValidToken(context.Background(), 1, domain.TokenKindBot)
	require.ErrorIs(t, err, domain.ErrReauthorizationRequired)
	require.Contains(t, err.Error(), "connection lost")
	require.False(t, h.repo.get(t, 1, domain.TokenKindBot).IsActive)
}

func TestGetValidToken_RotationDisabledNeverRefreshes(t *testing.T) {
	h := newManagerHarness(t)
	h.seed(t, 1, domain.TokenKindUser, "xoxp-user", "", future(time.Minute), false)

	got, err := h.manager.GetValidToken(context.Background(), 1, domain.TokenKindUser)
	require.NoError(t, err)
	require.Equal(t, "xoxp-user", got)
	require.Zero(t, h.provider.refreshCalls)
}

func TestGetValidToken_ConcurrentRefreshCollapses(t *testing.T) {
	h := newManagerHarness(t)
	h.seed(t, 1, domain.TokenKindBot, "xoxb-stale", "xoxe-refresh", future(time.Minute), true)
	h.provider.grant = &domain.TokenGrant{AccessToken: "xoxb-renewed", RefreshToken: "xoxe-rotated", ExpiresIn: 43200}
	h.provider.refreshDelay = 100 * time.Millisecond

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = h.manager.GetValidToken(context.Background(), 1, domain.TokenKindBot)
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, "xoxb-renewed", results[i])
	}
	// Some callers may arrive after the winner already persisted the renewed
	// grant, so the call count is bounded rather than exactly one.
	require.GreaterOrEqual(t, h.provider.refreshCalls, 1)
	require.Less(t, h.provider.refreshCalls, callers)
}

func TestRevokeTokens_BestEffort(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.seed(t, 1, domain.TokenKindBot, "xoxb-bot", "", nil, false)
	h.seed(t, 1, domain.TokenKindUser, "xoxp-user", "", nil, false)
	h.provider.revokeErrs = map[string]error{"xoxb-bot": fmt.Errorf("token_revoked")}

	require.NoError(t, h.manager.RevokeTokens(ctx, 1, nil))

	require.Len(t, h.provider.revoked, 2)
	require.False(t, h.repo.get(t, 1, domain.TokenKindBot).IsActive)
	require.False(t, h.repo.get(t, 1, domain.TokenKindUser).IsActive)

	_, err := h.manager.GetValidToken(ctx, 1, domain.TokenKindBot)
	require.ErrorIs(t, err, domain.ErrNoActiveToken)
}

func TestRevokeTokens_KindFilter(t *testing.T) {
	h := newManagerHarness(t)
	h.seed(t, 1, domain.TokenKindBot, "xoxb-bot", "", nil, false)
	h.seed(t, 1, domain.TokenKindUser, "xoxp-user", "", nil, false)

	kind := domain.TokenKindUser
	require.NoError(t, h.manager.RevokeTokens(context.Background(), 1, &kind))

	require.True(t, h.repo.get(t, 1, domain.TokenKindBot).IsActive)
	require.False(t, h.repo.get(t, 1, domain.TokenKindUser).IsActive)
}

func TestGetWorkspaceTokens_MetadataOnly(t *testing.T) {
	h := newManagerHarness(t)
	h.seed(t, 1, domain.TokenKindBot, "xoxb-bot", "xoxe-refresh", future(time.Hour), true)
	h.seed(t, 1, domain.TokenKindUser, "xoxp-user", "", nil, false)
	h.seed(t, 2, domain.TokenKindBot, "xoxb-other", "", nil, false)

	summaries, err := h.manager.GetWorkspaceTokens(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	for _, summary := range summaries {
		require.Equal(t, int64(1), summary.WorkspaceID)
		require.True(t, summary.Kind.Valid())
		require.NotEmpty(t, summary.Scopes)
	}
}

func TestTestTokens(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	result := h.manager.TestTokens(ctx, 1, domain.TokenKindBot)
	require.False(t, result.Valid)
	require.Contains(t, result.Error, "no active token")

	h.seed(t, 1, domain.TokenKindBot, "xoxb-live", "", nil, false)
	h.provider.identity = &domain.TokenIdentity{UserID: "U001", TeamID: "T001", BotID: "B001"}

	result = h.manager.TestTokens(ctx, 1, domain.TokenKindBot)
	require.True(t, result.Valid)
	require.NotNil(t, result.TokenInfo)
	require.Equal(t, "T001", result.TokenInfo.TeamID)

	h.provider.testErr = fmt.Errorf("account_inactive")
	result = h.manager.TestTokens(ctx, 1, domain.TokenKindBot)
	require.False(t, result.Valid)
	require.Contains(t, result.Error, "account_inactive")
}

func TestGetTokenExpiry(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	// No record at all: zero info, no error.
	info, err := h.manager.GetTokenExpiry(ctx, 1, domain.TokenKindBot)
	require.NoError(t, err)
	require.Nil(t, info.ExpiresAt)
	require.False(t, info.NeedsRefresh)

	h.seed(t, 1, domain.TokenKindBot, "xoxb-live", "xoxe-refresh", future(6*time.Minute), true)
	info, err = h.manager.GetTokenExpiry(ctx, 1, domain.TokenKindBot)
	require.NoError(t, err)
	require.False(t, info.NeedsRefresh)
	require.Greater(t, info.ExpiresIn, RefreshBuffer)

	h.seed(t, 2, domain.TokenKindBot, "xoxb-soon", "xoxe-refresh", future(4*time.Minute), true)
	info, err = h.manager.GetTokenExpiry(ctx, 2, domain.TokenKindBot)
	require.NoError(t, err)
	require.True(t, info.NeedsRefresh)

	// Already past expiry: clamped to zero, still flagged.
	past := time.Now().Add(-time.Minute)
	h.seed(t, 3, domain.TokenKindBot, "xoxb-dead", "xoxe-refresh", &past, true)
	info, err = h.manager.GetTokenExpiry(ctx, 3, domain.TokenKindBot)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), info.ExpiresIn)
	require.True(t, info.NeedsRefresh)
}

func TestCleanupExpiredTokens(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()

	stale := h.seed(t, 1, domain.TokenKindBot, "xoxb-stale", "", nil, false)
	require.NoError(t, h.repo.MarkInactive(ctx, stale.ID))
	h.repo.mu.Lock()
	h.repo.rows[rowKey(1, domain.TokenKindBot)].UpdatedAt = time.Now().AddDate(0, 0, -45)
	h.repo.mu.Unlock()

	recent := h.seed(t, 2, domain.TokenKindBot, "xoxb-recent", "", nil, false)
	require.NoError(t, h.repo.MarkInactive(ctx, recent.ID))

	h.seed(t, 3, domain.TokenKindBot, "xoxb-live", "", nil, false)

	count, err := h.manager.CleanupExpiredTokens(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// Active and recently deactivated rows survive.
	require.True(t, h.repo.get(t, 3, domain.TokenKindBot).IsActive)
	require.False(t, h.repo.get(t, 2, domain.TokenKindBot).IsActive)
}
