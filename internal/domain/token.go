package domain

import "time"

// TokenKind distinguishes bot credentials from user-scoped credentials.
type TokenKind string

const (
	TokenKindBot  TokenKind = "bot"
	TokenKindUser TokenKind = "user"
)

// Valid reports whether the kind is one of the known values.
func (k TokenKind) Valid() bool {
	return k == TokenKindBot || k == TokenKindUser
}

// Transition tags how a token row reached its current state, so audit logs
// can tell a first grant from a rotation even though the storage shape is
// identical for both.
type Transition string

const (
	TransitionIssued      Transition = "issued"
	TransitionRefreshed   Transition = "refreshed"
	TransitionDeactivated Transition = "deactivated"
)

// OAuthToken is one persisted credential. AccessToken and RefreshToken hold
// the encrypted envelope format, never plaintext.
type OAuthToken struct {
	ID              int64
	WorkspaceID     int64
	SlackUserID     string
	Kind            TokenKind
	AccessToken     string
	RefreshToken    string
	Scopes          []string
	ExpiresAt       *time.Time
	IsActive        bool
	RotationEnabled bool
	Transition      Transition
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TokenData is the plaintext grant material handed to the lifecycle manager
// for storage. ExpiresIn is the provider-relative lifetime in seconds; zero
// means the token never expires.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scopes       []string
}

// TokenGrant is the result of a refresh-token exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// TokenExchange is the full result of an authorization-code exchange.
type TokenExchange struct {
	TokenGrant
	Scope     string
	BotUserID string
	Team      Team
	User      AuthedUser
}

// Team identifies the Slack team the exchange was authorized for.
type Team struct {
	ID     string
	Name   string
	Domain string
}

// AuthedUser carries the optional user-scoped grant from an exchange.
type AuthedUser struct {
	ID          string
	AccessToken string
	Scope       string
}

// TokenSummary is the secret-free view of a token row returned to callers.
type TokenSummary struct {
	ID              int64
	WorkspaceID     int64
	SlackUserID     string
	Kind            TokenKind
	Scopes          []string
	ExpiresAt       *time.Time
	RotationEnabled bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExpiryInfo answers "when does this credential lapse" without side effects.
// ExpiresIn is clamped to zero once past expiry.
type ExpiryInfo struct {
	ExpiresAt    *time.Time
	ExpiresIn    time.Duration
	NeedsRefresh bool
}

// TokenIdentity is the provider's self-reported identity for a live token.
type TokenIdentity struct {
	UserID              string
	TeamID              string
	BotID               string
	IsEnterpriseInstall bool
}

// TestResult reports token liveness as data rather than an error, since the
// caller explicitly asked "is this working?".
type TestResult struct {
	Valid     bool
	Error     string
	TokenInfo *TokenIdentity
}
