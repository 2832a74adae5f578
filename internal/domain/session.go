package domain

import "context"

// Identity is what a platform reports for a valid access token.
type Identity struct {
	AccountID string
	Login     string
	// ChannelID is the default publishing channel, for platforms that separate
	// accounts from channels.
	ChannelID string
}

// Grant is a token pair issued by a platform. ClientID and ClientSecret are set
// when the authorization also registered client credentials.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Session is the validated, in-memory view of one service's credentials.
type Session struct {
	Service     string
	Kind        Kind
	AccessToken string
	AccountID   string
	Login       string
	Record      CredentialRecord
}

// NewSession derives a session from a record whose access token has been validated.
func NewSession(record CredentialRecord) Session {
	return Session{
		Service:     record.Name,
		Kind:        record.Kind,
		AccessToken: record.AccessToken,
		AccountID:   record.AccountID,
		Login:       record.Login,
		Record:      record,
	}
}

// Authenticator is the per-platform token capability used by the session manager.
type Authenticator interface {
	// Validate returns the identity for accessToken, issued for record. A token the platform refuses
	// yields an error wrapping ErrTokenRejected.
	Validate(ctx context.Context, record CredentialRecord, accessToken string) (Identity, error)
	// Refresh exchanges the record's refresh token for a new pair.
	Refresh(ctx context.Context, record CredentialRecord) (Grant, error)
	// Authorize runs the platform's interactive (or password) grant.
	Authorize(ctx context.Context, record CredentialRecord) (Grant, error)
}

// SessionProvider hands out validated sessions by service name.
type SessionProvider interface {
	EnsureSession(ctx context.Context, name string) (Session, error)
}
