package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pulseboard/slack-auth/internal/config"
	"github.com/pulseboard/slack-auth/internal/domain"
	"github.com/pulseboard/slack-auth/internal/repository"
	oauthsvc "github.com/pulseboard/slack-auth/internal/service/oauth"
	tokensvc "github.com/pulseboard/slack-auth/internal/service/token"
)

const stateCookieName = "slack_oauth_state"

// SlackHandler orchestrates the Slack OAuth and webhook endpoints.
type SlackHandler struct {
	OAuth      *oauthsvc.Service
	Tokens     *tokensvc.Manager
	Workspaces repository.WorkspaceRepository
	Cfg        config.Config
	Logger     *zap.Logger
}

// NewSlackHandler creates the handler set.
func NewSlackHandler(oauth *oauthsvc.Service, tokens *tokensvc.Manager, workspaces repository.WorkspaceRepository, cfg config.Config, logger *zap.Logger) *SlackHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &SlackHandler{OAuth: oauth, Tokens: tokens, Workspaces: workspaces, Cfg: cfg, Logger: logger}
}

// Install initiates the OAuth flow: generates state, stores it in a short
// lived cookie, and redirects the user to Slack's authorization page.
func (h *SlackHandler) Install(c *gin.Context) {
	auth, err := h.OAuth.AuthorizeURL(c.Request.Context(), "")
	if err != nil {
		h.Logger.Error("oauth install failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "oauth_init_failed",
			"message": "Failed to start OAuth flow.",
		})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	// Cookie lifetime tracks the server-side state TTL.
	c.SetCookie(stateCookieName, auth.State, int(h.Cfg.StateTTL.Seconds()), "/", "", !h.Cfg.Dev(), true)
	c.Redirect(http.StatusFound, auth.URL)
}

// Callback handles the redirect back from Slack: validates state, exchanges
// the code, upserts the workspace, and stores the bot (and optional user)
// tokens before redirecting to the success page.
func (h *SlackHandler) Callback(c *gin.Context) {
	if provErr := c.Query("error"); provErr != "" {
		h.Logger.Warn("oauth callback returned provider error", zap.String("error", provErr))
		h.errorRedirect(c, provErr, "")
		return
	}

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		h.errorRedirect(c, "invalid_request", "Missing code or state parameter.")
		return
	}

	cookieState, err := c.Cookie(stateCookieName)
	if err != nil || !h.OAuth.ValidateState(state, cookieState) {
		h.errorRedirect(c, "oauth_failed", "Invalid OAuth state parameter.")
		return
	}
	c.SetCookie(stateCookieName, "", -1, "/", "", !h.Cfg.Dev(), true)

	if err := h.OAuth.ConsumeState(c.Request.Context(), state); err != nil {
		h.errorRedirect(c, "oauth_failed", "OAuth state expired or already used.")
		return
	}

	exchange, err := h.OAuth.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		h.Logger.Error("code exchange failed", zap.Error(err))
		var exchangeErr *domain.ExchangeError
		if errors.As(err, &exchangeErr) {
			h.errorRedirect(c, string(exchangeErr.Reason), "")
			return
		}
		h.errorRedirect(c, "oauth_failed", err.Error())
		return
	}

	workspace, err := h.Workspaces.UpsertBySlackTeamID(c.Request.Context(), exchange.Team)
	if err != nil {
		h.Logger.Error("workspace upsert failed", zap.Error(err))
		h.errorRedirect(c, "oauth_failed", "Failed to persist workspace.")
		return
	}

	scopes := splitScopes(exchange.Scope)
	if err := h.Tokens.StoreTokens(c.Request.Context(), workspace.ID, domain.TokenData{
		AccessToken:  exchange.AccessToken,
		RefreshToken: exchange.RefreshToken,
		ExpiresIn:    exchange.ExpiresIn,
		Scopes:       scopes,
	}, exchange.BotUserID, domain.TokenKindBot, true); err != nil {
		h.Logger.Error("bot token storage failed", zap.Error(err))
		h.errorRedirect(c, "oauth_failed", "Failed to store authentication tokens.")
		return
	}

	// User tokens typically do not support refresh.
	if exchange.User.AccessToken != "" {
		if err := h.Tokens.StoreTokens(c.Request.Context(), workspace.ID, domain.TokenData{
			AccessToken: exchange.User.AccessToken,
			Scopes:      splitScopes(exchange.User.Scope),
		}, exchange.User.ID, domain.TokenKindUser, false); err != nil {
			h.Logger.Error("user token storage failed", zap.Error(err))
			h.errorRedirect(c, "oauth_failed", "Failed to store authentication tokens.")
			return
		}
	}

	success := url.Values{}
	success.Set("workspace_id", strconv.FormatInt(workspace.ID, 10))
	success.Set("workspace_name", workspace.Name)
	c.Redirect(http.StatusFound, "/auth/slack/success?"+success.Encode())
}

// Status reports token validity, expiry, and secret-free summaries for a
// workspace.
func (h *SlackHandler) Status(c *gin.Context) {
	workspaceID, kind, ok := h.workspaceQuery(c)
	if !ok {
		return
	}

	test := h.Tokens.TestTokens(c.Request.Context(), workspaceID, kind)

	expiry, err := h.Tokens.GetTokenExpiry(c.Request.Context(), workspaceID, kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status_check_failed", "message": err.Error()})
		return
	}

	summaries, err := h.Tokens.GetWorkspaceTokens(c.Request.Context(), workspaceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status_check_failed", "message": err.Error()})
		return
	}

	tokens := make([]gin.H, 0, len(summaries))
	for _, s := range summaries {
		tokens = append(tokens, gin.H{
			"type":             s.Kind,
			"scopes":           s.Scopes,
			"expires_at":       s.ExpiresAt,
			"created_at":       s.CreatedAt,
			"rotation_enabled": s.RotationEnabled,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"workspace_id":  workspaceID,
		"token_type":    kind,
		"valid":         test.Valid,
		"error":         test.Error,
		"token_info":    test.TokenInfo,
		"expires_at":    expiry.ExpiresAt,
		"expires_in":    int64(expiry.ExpiresIn.Seconds()),
		"needs_refresh": expiry.NeedsRefresh,
		"all_tokens":    tokens,
	})
}

// Refresh forces resolution of a valid token, triggering a provider refresh
// when the stored one is inside the buffer, and returns the resulting expiry.
func (h *SlackHandler) Refresh(c *gin.Context) {
	workspaceID, kind, ok := h.workspaceQuery(c)
	if !ok {
		return
	}

	if _, err := h.Tokens.GetValidToken(c.Request.Context(), workspaceID, kind); err != nil {
		h.respondTokenError(c, err)
		return
	}

	expiry, err := h.Tokens.GetTokenExpiry(c.Request.Context(), workspaceID, kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspace_id":  workspaceID,
		"token_type":    kind,
		"expires_at":    expiry.ExpiresAt,
		"needs_refresh": expiry.NeedsRefresh,
	})
}

// Revoke deactivates all matching tokens, attempting provider-side
// revocation best-effort first.
func (h *SlackHandler) Revoke(c *gin.Context) {
	var req struct {
		WorkspaceID int64  `json:"workspace_id" binding:"required"`
		TokenType   string `json:"token_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "workspace_id is required."})
		return
	}

	var kind *domain.TokenKind
	if req.TokenType != "" {
		k := domain.TokenKind(req.TokenType)
		if !k.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "token_type must be bot or user."})
			return
		}
		kind = &k
	}

	if err := h.Tokens.RevokeTokens(c.Request.Context(), req.WorkspaceID, kind); err != nil {
		h.Logger.Error("revoke failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Cleanup bulk-deletes stale inactive token rows. Exposed as an admin action
// rather than a background scheduler.
func (h *SlackHandler) Cleanup(c *gin.Context) {
	var req struct {
		OlderThanDays int `json:"older_than_days"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.OlderThanDays <= 0 {
		req.OlderThanDays = h.Cfg.TokenCleanupDays
	}

	count, err := h.Tokens.CleanupExpiredTokens(c.Request.Context(), req.OlderThanDays)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}

// Webhook verifies inbound Slack event deliveries against the raw request
// body and acknowledges them. Event analytics happen elsewhere.
func (h *SlackHandler) Webhook(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var payload struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		TeamID    string `json:"team_id"`
		Event     struct {
			Type string `json:"type"`
		} `json:"event"`
	}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}

	// Slack sends the URL verification challenge before signing is in place.
	if payload.Type == "url_verification" {
		c.JSON(http.StatusOK, gin.H{"challenge": payload.Challenge})
		return
	}

	signature := c.GetHeader("X-Slack-Signature")
	timestamp := c.GetHeader("X-Slack-Request-Timestamp")
	if !h.OAuth.VerifyWebhookSignature(signature, timestamp, string(rawBody)) {
		h.Logger.Warn("webhook signature verification failed", zap.String("team_id", payload.TeamID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	switch payload.Type {
	case "event_callback":
		h.Logger.Info("slack event received",
			zap.String("event_type", payload.Event.Type),
			zap.String("team_id", payload.TeamID),
		)
	case "app_rate_limited":
		h.Logger.Warn("app rate limited by slack", zap.String("team_id", payload.TeamID))
	default:
		h.Logger.Info("unhandled slack payload type", zap.String("type", payload.Type))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Healthz is a liveness probe.
func (h *SlackHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": h.Cfg.ServiceName})
}

func (h *SlackHandler) workspaceQuery(c *gin.Context) (int64, domain.TokenKind, bool) {
	raw := c.Query("workspace_id")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "workspace_id is required."})
		return 0, "", false
	}
	workspaceID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "workspace_id must be an integer."})
		return 0, "", false
	}
	kind := domain.TokenKind(c.DefaultQuery("token_type", string(domain.TokenKindBot)))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "token_type must be bot or user."})
		return 0, "", false
	}
	return workspaceID, kind, true
}

func (h *SlackHandler) respondTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNoActiveToken):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_active_token", "message": "No active token; authorization required."})
	case errors.Is(err, domain.ErrReauthorizationRequired):
		c.JSON(http.StatusConflict, gin.H{"error": "reauthorization_required", "message": "Token cannot be refreshed; please reinstall."})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "message": err.Error()})
	}
}

func (h *SlackHandler) errorRedirect(c *gin.Context, code, message string) {
	params := url.Values{}
	params.Set("error", code)
	if message != "" {
		params.Set("message", message)
	}
	c.Redirect(http.StatusFound, "/auth/slack/error?"+params.Encode())
}

func splitScopes(scope string) []string {
	parts := strings.Split(scope, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	return scopes
}
