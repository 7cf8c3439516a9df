package domain

import "time"

// Workspace is a tenant record for one Slack team the app is installed in.
// Rows are upserted by SlackTeamID on every successful OAuth exchange and are
// never hard-deleted here; retention is handled outside this service.
type Workspace struct {
	ID                int64
	SlackTeamID       string
	Name              string
	Domain            string
	IsActive          bool
	SubscriptionTier  string
	DataRetentionDays int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
