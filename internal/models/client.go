package models

import "time"

// Client account states.
const (
	ClientActive    = "active"
	ClientSuspended = "suspended"
	ClientDeleted   = "deleted"
)

// API scopes a client may hold.
const (
	ScopeFetch   = "fetch"
	ScopeAnalyze = "analyze"
	ScopeSend    = "send"
)

// AllScopes is the full scope set granted to tokens minted via login
// and to the shared-secret identity.
func AllScopes() []string {
	return []string{ScopeFetch, ScopeAnalyze, ScopeSend}
}

// Client is a tenant that owns jobs and authenticates independently.
type Client struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Email          *string        `json:"email,omitempty"`
	CredentialHash string         `json:"-"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ClientLimits holds per-tenant throttling knobs. Only RequestsPerMinute
// and MessagesPerDay are enforced; the hour/day request counters are
// provisioned for operators but not checked on the hot path.
type ClientLimits struct {
	ClientID          string `json:"client_id"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	RequestsPerHour   int    `json:"requests_per_hour"`
	RequestsPerDay    int    `json:"requests_per_day"`
	MessagesPerDay    int    `json:"messages_per_day"`
}

// DefaultLimits returns the limits applied when a client has no row in
// client_limits.
func DefaultLimits(clientID string) ClientLimits {
	return ClientLimits{
		ClientID:          clientID,
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		RequestsPerDay:    10000,
		MessagesPerDay:    500,
	}
}
