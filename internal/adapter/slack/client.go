package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the production Slack Web API root.
const DefaultBaseURL = "https://slack.com/api"

// Client encapsulates outbound HTTP calls to the Slack Web API.
type Client interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*OAuthAccess, error)
	RefreshToken(ctx context.Context, refreshToken string) (*OAuthAccess, error)
	RevokeToken(ctx context.Context, token string) error
	AuthTest(ctx context.Context, token string) (*AuthTest, error)
	TeamInfo(ctx context.Context, token string) (*TeamInfo, error)
}

// APIError is a Slack-reported failure (ok=false) carrying the raw error code.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack: %s failed: %s", e.Method, e.Code)
}

// OAuthAccess models the oauth.v2.access response for both the
// authorization_code and refresh_token grants.
type OAuthAccess struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	BotUserID    string `json:"bot_user_id"`
	Team         struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Domain string `json:"domain"`
	} `json:"team"`
	AuthedUser struct {
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
	} `json:"authed_user"`
}

// AuthTest models the auth.test response.
type AuthTest struct {
	UserID              string `json:"user_id"`
	TeamID              string `json:"team_id"`
	BotID               string `json:"bot_id"`
	IsEnterpriseInstall bool   `json:"is_enterprise_install"`
}

// TeamInfo models the team.info response payload.
type TeamInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// HTTPClient is the default HTTP implementation of Client.
type HTTPClient struct {
	httpClient   *http.Client
	baseURL      string
	clientID     string
	clientSecret string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default Slack client. A nil http.Client gets a
// 10 second timeout; provider calls are otherwise bounded by the transport.
func NewHTTPClient(client *http.Client, baseURL, clientID, clientSecret string) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPClient{
		httpClient:   client,
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// ExchangeCode performs the authorization-code exchange via oauth.v2.access.
func (c *HTTPClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*OAuthAccess, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)

	var out OAuthAccess
	if err := c.postForm(ctx, "oauth.v2.access", data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshToken exchanges a refresh token for a new access token. Slack may or
// may not rotate the refresh token itself.
func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (*OAuthAccess, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	var out OAuthAccess
	if err := c.postForm(ctx, "oauth.v2.access", data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeToken informs Slack the token is no longer valid via auth.revoke.
func (c *HTTPClient) RevokeToken(ctx context.Context, token string) error {
	data := url.Values{}
	data.Set("token", token)
	var out struct {
		Revoked bool `json:"revoked"`
	}
	return c.postForm(ctx, "auth.revoke", data, &out)
}

// AuthTest asks Slack to self-report identity and liveness for a token.
func (c *HTTPClient) AuthTest(ctx context.Context, token string) (*AuthTest, error) {
	var out AuthTest
	if err := c.getJSON(ctx, "auth.test", token, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TeamInfo loads workspace metadata using a bot token.
func (c *HTTPClient) TeamInfo(ctx context.Context, token string) (*TeamInfo, error) {
	var out struct {
		Team TeamInfo `json:"team"`
	}
	if err := c.getJSON(ctx, "team.info", token, &out); err != nil {
		return nil, err
	}
	return &out.Team, nil
}

func (c *HTTPClient) postForm(ctx context.Context, method string, data url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, method, out)
}

func (c *HTTPClient) getJSON(ctx context.Context, method, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+method, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return c.do(req, method, out)
}

func (c *HTTPClient) do(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s failed: status=%d", method, resp.StatusCode)
	}

	// Slack reports failures in-band as {"ok": false, "error": "..."}.
	var status struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !status.OK {
		return &APIError{Method: method, Code: status.Error}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", method, err)
	}
	return nil
}
