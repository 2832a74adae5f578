// Package session establishes validated platform sessions from stored credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/metrics"
	"github.com/moralrecordings/mrstream/internal/platform/correlation"
)

const (
	pathValid      = "valid"
	pathRefreshed  = "refreshed"
	pathAuthorized = "authorized"
	pathFailed     = "failed"
)

// Manager implements domain.SessionProvider. Stored tokens are reused while the
// platform accepts them, renewed with the refresh token when it does not, and
// replaced through the platform's authorization flow as a last resort. Every
// newly issued token pair is persisted with a single Put.
type Manager struct {
	store          domain.CredentialStore
	authenticators map[domain.Kind]domain.Authenticator
	metrics        *metrics.SessionMetrics
	group          singleflight.Group
}

// NewManager creates a session manager. m may be nil.
func NewManager(store domain.CredentialStore, authenticators map[domain.Kind]domain.Authenticator, m *metrics.SessionMetrics) *Manager {
	return &Manager{
		store:          store,
		authenticators: authenticators,
		metrics:        m,
	}
}

// EnsureSession returns a session for the named service whose access token the
// platform has just accepted. Concurrent calls for the same name share one flight.
// The flight outlives a cancelled caller so the callers sharing it still get a result.
func (m *Manager) EnsureSession(ctx context.Context, name string) (domain.Session, error) {
	flightCtx := correlation.WithService(context.WithoutCancel(ctx), name)
	ch := m.group.DoChan(name, func() (any, error) {
		return m.ensure(flightCtx, name)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Session{}, res.Err
		}
		return res.Val.(domain.Session), nil
	case <-ctx.Done():
		return domain.Session{}, fmt.Errorf("waiting for session %q: %w", name, ctx.Err())
	}
}

func (m *Manager) ensure(ctx context.Context, name string) (domain.Session, error) {
	record, err := m.store.Get(ctx, name)
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to load credentials: %w", err)
	}

	auth, ok := m.authenticators[record.Kind]
	if !ok {
		return domain.Session{}, m.fail(record, &domain.AuthenticationError{
			Service: name,
			Reason:  fmt.Sprintf("no authenticator for kind %q", record.Kind),
		})
	}

	if record.AccessToken != "" {
		_, err := auth.Validate(ctx, record, record.AccessToken)
		if err == nil {
			m.observe(record.Kind, pathValid)
			slog.DebugContext(ctx, "stored token still valid")
			return domain.NewSession(record), nil
		}
		if !errors.Is(err, domain.ErrTokenRejected) {
			return domain.Session{}, m.fail(record, &domain.AuthenticationError{Service: name, Reason: "token validation failed", Err: err})
		}

		if record.RefreshToken != "" {
			grant, err := auth.Refresh(ctx, record)
			if err == nil {
				return m.complete(ctx, auth, record, grant, pathRefreshed)
			}
			slog.WarnContext(ctx, "token refresh failed, falling back to authorization", "error", err)
		}
	}

	slog.InfoContext(ctx, "authorization required", "kind", record.Kind)
	grant, err := auth.Authorize(ctx, record)
	if err != nil {
		return domain.Session{}, m.fail(record, &domain.AuthenticationError{Service: name, Reason: "authorization failed", Err: err})
	}
	return m.complete(ctx, auth, record, grant, pathAuthorized)
}

// complete validates a newly issued token and persists it with the identity the
// platform reports for it.
func (m *Manager) complete(ctx context.Context, auth domain.Authenticator, record domain.CredentialRecord, grant domain.Grant, path string) (domain.Session, error) {
	identity, err := auth.Validate(ctx, record, grant.AccessToken)
	if err != nil {
		return domain.Session{}, m.fail(record, &domain.AuthenticationError{Service: record.Name, Reason: "newly issued token failed validation", Err: err})
	}

	if grant.RefreshToken == "" {
		grant.RefreshToken = record.RefreshToken
	}

	updated := record.WithGrant(grant, identity)
	if err := m.store.Put(ctx, updated); err != nil {
		return domain.Session{}, fmt.Errorf("failed to persist session for %q: %w", record.Name, err)
	}

	m.observe(record.Kind, path)
	slog.InfoContext(ctx, "session established", "path", path, "login", identity.Login)
	return domain.NewSession(updated), nil
}

func (m *Manager) fail(record domain.CredentialRecord, err error) error {
	m.observe(record.Kind, pathFailed)
	return err
}

func (m *Manager) observe(kind domain.Kind, path string) {
	if m.metrics != nil {
		m.metrics.Outcomes.WithLabelValues(string(kind), path).Inc()
	}
}
