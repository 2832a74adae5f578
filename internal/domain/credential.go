package domain

import (
	"context"
	"fmt"
	"time"
)

// Kind selects the platform implementation for a credential record.
type Kind string

const (
	KindTwitch   Kind = "twitch"
	KindPeerTube Kind = "peertube"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTwitch, KindPeerTube:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown service kind %q", s)
	}
}

// CredentialRecord is the durable per-service account and authorization data.
// Treat it as a value: methods that change fields return a modified copy.
type CredentialRecord struct {
	Name         string `json:"name"`
	Kind         Kind   `json:"kind"`
	Enabled      bool   `json:"enabled"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	Login        string `json:"login,omitempty"`

	// PeerTube account settings.
	BaseURL   string `json:"base_url,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`

	// Last created broadcast.
	StreamKey     string `json:"stream_key,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	CurrentLiveID string `json:"current_live_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the invariants every store enforces on Put.
func (r CredentialRecord) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("credential record: %w", ErrEmptyServiceName)
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return fmt.Errorf("credential record %q: %w", r.Name, err)
	}
	if r.AccessToken != "" && r.AccountID == "" {
		return fmt.Errorf("credential record %q: %w", r.Name, ErrIncompleteIdentity)
	}
	return nil
}

// WithGrant returns a copy carrying the new token pair and the identity it was validated against.
// Client credentials and channel are only replaced when the grant or identity supplies them.
func (r CredentialRecord) WithGrant(g Grant, id Identity) CredentialRecord {
	r.AccessToken = g.AccessToken
	r.RefreshToken = g.RefreshToken
	if g.ClientID != "" {
		r.ClientID = g.ClientID
		r.ClientSecret = g.ClientSecret
	}
	r.AccountID = id.AccountID
	r.Login = id.Login
	if id.ChannelID != "" {
		r.ChannelID = id.ChannelID
	}
	return r
}

func (r CredentialRecord) WithEnabled(enabled bool) CredentialRecord {
	r.Enabled = enabled
	return r
}

func (r CredentialRecord) WithBroadcast(b Broadcast, ep Endpoint) CredentialRecord {
	r.CurrentLiveID = b.ID
	r.StreamKey = ep.StreamKey
	r.Endpoint = ep.URL
	return r
}

// CredentialStore persists credential records keyed by service name.
type CredentialStore interface {
	GetAll(ctx context.Context) (map[string]CredentialRecord, error)
	Get(ctx context.Context, name string) (CredentialRecord, error)
	Put(ctx context.Context, record CredentialRecord) error
}

// BroadcastDefaults fill in broadcast parameters the operator did not pass explicitly.
type BroadcastDefaults struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Announcement string `json:"announcement,omitempty"`
	Game         string `json:"game,omitempty"`
	GameID       string `json:"game_id,omitempty"`
	Language     string `json:"language,omitempty"`
	SaveReplay   bool   `json:"save_replay"`
}

// DefaultsStore persists the single BroadcastDefaults document.
type DefaultsStore interface {
	GetDefaults(ctx context.Context) (BroadcastDefaults, error)
	PutDefaults(ctx context.Context, defaults BroadcastDefaults) error
}
