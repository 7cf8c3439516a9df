package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	slackadapter "github.com/pulseboard/slack-auth/internal/adapter/slack"
	"github.com/pulseboard/slack-auth/internal/config"
	"github.com/pulseboard/slack-auth/internal/crypto"
	"github.com/pulseboard/slack-auth/internal/domain"
	"github.com/pulseboard/slack-auth/internal/repository"
)

const (
	authorizeEndpoint = "https://slack.com/oauth/v2/authorize"
	statePrefix       = "slack:oauth:state:"

	// Webhook requests older than this are rejected regardless of signature
	// validity to defeat replay.
	signatureMaxAge = 300 * time.Second
	signaturePrefix = "v0"
)

// Server/bot capabilities requested during authorization.
var botScopes = []string{
	"channels:history",
	"channels:read",
	"reactions:read",
	"users:read",
	"team:read",
	"chat:write",
}

// Identity scopes for the authorizing user.
var userScopes = []string{
	"identity.basic",
	"identity.email",
	"identity.team",
}

// Authorization is the prepared redirect target plus the state the caller
// must round-trip through the provider.
type Authorization struct {
	URL   string
	State string
}

// Service implements the three-legged authorization-code flow against Slack
// and verifies inbound signed webhooks.
type Service struct {
	cfg    config.Config
	client slackadapter.Client
	states repository.StateStore
	logger *zap.Logger
}

// NewService wires the OAuth protocol service.
func NewService(cfg config.Config, client slackadapter.Client, states repository.StateStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	return &Service{cfg: cfg, client: client, states: states, logger: logger}
}

// AuthorizeURL builds the Slack authorization URL. When state is empty a
// secure random value is generated. The state is persisted server-side with a
// TTL; the handler additionally round-trips it in a cookie.
func (s *Service) AuthorizeURL(ctx context.Context, state string) (*Authorization, error) {
	if strings.TrimSpace(state) == "" {
		var err error
		state, err = crypto.GenerateState()
		if err != nil {
			return nil, fmt.Errorf("generate oauth state: %w", err)
		}
	}

	params := url.Values{}
	params.Set("client_id", s.cfg.SlackClientID)
	params.Set("scope", strings.Join(botScopes, ","))
	params.Set("user_scope", strings.Join(userScopes, ","))
	params.Set("redirect_uri", s.cfg.SlackRedirectURI)
	params.Set("state", state)

	record := repository.StateRecord{
		State:       state,
		RedirectURI: s.cfg.SlackRedirectURI,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.states.SaveState(ctx, statePrefix+state, record, s.cfg.StateTTL); err != nil {
		return nil, fmt.Errorf("persist oauth state: %w", err)
	}

	return &Authorization{
		URL:   authorizeEndpoint + "?" + params.Encode(),
		State: state,
	}, nil
}

// ConsumeState resolves the received state to its server-side record and
// deletes it, making each state single-use. The constant-time comparison
// against the caller's expected value is the handler's job via ValidateState;
// here presence of the record is the proof.
func (s *Service) ConsumeState(ctx context.Context, received string) error {
	if strings.TrimSpace(received) == "" {
		return domain.ErrInvalidState
	}
	key := statePrefix + received
	record, err := s.states.GetState(ctx, key)
	if err != nil {
		return fmt.Errorf("load oauth state: %w", err)
	}
	if record == nil {
		return domain.ErrInvalidState
	}
	if err := s.states.DeleteState(ctx, key); err != nil {
		s.logger.Warn("failed to delete oauth state", zap.Error(err))
	}
	return nil
}

// ValidateState compares a received state with the expected value in constant
// time. Empty input on either side is a failure, not a panic.
func (s *Service) ValidateState(received, expected string) bool {
	return crypto.ConstantTimeEqual(received, expected)
}

// ExchangeCode performs the code-for-token exchange. Provider-reported errors
// map to distinct exchange reasons; authorization codes are single-use so no
// retry happens here.
func (s *Service) ExchangeCode(ctx context.Context, code string) (*domain.TokenExchange, error) {
	resp, err := s.client.ExchangeCode(ctx, code, s.cfg.SlackRedirectURI)
	if err != nil {
		return nil, mapExchangeError(err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return nil, &domain.ExchangeError{Reason: domain.ExchangeProviderError, Code: "missing_access_token"}
	}

	exchange := &domain.TokenExchange{
		TokenGrant: domain.TokenGrant{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresIn:    resp.ExpiresIn,
		},
		Scope:     resp.Scope,
		BotUserID: resp.BotUserID,
		Team: domain.Team{
			ID:     resp.Team.ID,
			Name:   resp.Team.Name,
			Domain: resp.Team.Domain,
		},
		User: domain.AuthedUser{
			ID:          resp.AuthedUser.ID,
			AccessToken: resp.AuthedUser.AccessToken,
			Scope:       resp.AuthedUser.Scope,
		},
	}
	return exchange, nil
}

// RefreshAccessToken exchanges a refresh token for a new grant. An invalid or
// revoked refresh token signals that full re-authorization is required rather
// than a retry.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	resp, err := s.client.RefreshToken(ctx, refreshToken)
	if err != nil {
		var apiErr *slackadapter.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case "invalid_refresh_token", "token_revoked":
				return nil, fmt.Errorf("%w: %s", domain.ErrReauthorizationRequired, apiErr.Code)
			}
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return nil, fmt.Errorf("refresh token: empty access token in response")
	}
	return &domain.TokenGrant{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
	}, nil
}

// RevokeToken informs Slack the token is no longer valid. Best-effort
// semantics are owned by the caller; this surfaces the raw outcome.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if err := s.client.RevokeToken(ctx, token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// TestToken asks Slack to self-report identity and liveness for a token.
func (s *Service) TestToken(ctx context.Context, accessToken string) (*domain.TokenIdentity, error) {
	resp, err := s.client.AuthTest(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("auth test: %w", err)
	}
	return &domain.TokenIdentity{
		UserID:              resp.UserID,
		TeamID:              resp.TeamID,
		BotID:               resp.BotID,
		IsEnterpriseInstall: resp.IsEnterpriseInstall,
	}, nil
}

// WorkspaceInfo loads team metadata using a bot token.
func (s *Service) WorkspaceInfo(ctx context.Context, botToken string) (*domain.Team, error) {
	resp, err := s.client.TeamInfo(ctx, botToken)
	if err != nil {
		return nil, fmt.Errorf("team info: %w", err)
	}
	return &domain.Team{ID: resp.ID, Name: resp.Name, Domain: resp.Domain}, nil
}

// VerifyWebhookSignature recomputes the expected signature over the raw,
// unparsed request body and compares in constant time. Re-serializing parsed
// JSON before calling this breaks the signature.
func (s *Service) VerifyWebhookSignature(signature, timestamp, rawBody string) bool {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > signatureMaxAge {
		s.logger.Warn("webhook request timestamp outside replay window", zap.Int64("timestamp", ts))
		return false
	}

	base := signaturePrefix + ":" + timestamp + ":" + rawBody
	expected := signaturePrefix + "=" + crypto.SignHMAC(s.cfg.SlackSigningSecret, base)
	return crypto.ConstantTimeEqual(signature, expected)
}

func mapExchangeError(err error) error {
	var apiErr *slackadapter.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("exchange code: %w", err)
	}
	switch apiErr.Code {
	case "invalid_code", "expired_code":
		return &domain.ExchangeError{Reason: domain.ExchangeInvalidCode, Code: apiErr.Code}
	case "code_already_used":
		return &domain.ExchangeError{Reason: domain.ExchangeCodeAlreadyUsed, Code: apiErr.Code}
	case "bad_redirect_uri", "invalid_redirect_uri", "redirect_uri_mismatch":
		return &domain.ExchangeError{Reason: domain.ExchangeRedirectURIMismatch, Code: apiErr.Code}
	default:
		return &domain.ExchangeError{Reason: domain.ExchangeProviderError, Code: apiErr.Code}
	}
}
