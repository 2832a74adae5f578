package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"github.com/moralrecordings/mrstream/internal/domain"
)

// Scopes requested by the authorization-code flow.
var Scopes = []string{
	"channel:read:stream_key",
	"channel:manage:broadcast",
	"user:read:email",
	"user:edit",
	"user:edit:broadcast",
	"moderator:read:followers",
	"user:read:chat",
	"user:write:chat",
}

const (
	httpCallTimeout         = 10 * time.Second
	callbackShutdownTimeout = 2 * time.Second
)

type AuthConfig struct {
	// AuthURL is the OAuth base, e.g. https://id.twitch.tv/oauth2.
	AuthURL     string
	RedirectURI string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Clock       clockwork.Clock
	// Prompt shows the consent URL to the operator. Defaults to printing on stderr.
	Prompt func(service, authURL string)
}

// Auth implements domain.Authenticator against the Twitch identity service.
type Auth struct {
	authURL     string
	redirectURI string
	timeout     time.Duration
	httpClient  *http.Client
	clock       clockwork.Clock
	prompt      func(service, authURL string)
}

func NewAuth(cfg AuthConfig) *Auth {
	a := &Auth{
		authURL:     strings.TrimRight(cfg.AuthURL, "/"),
		redirectURI: cfg.RedirectURI,
		timeout:     cfg.Timeout,
		httpClient:  cfg.HTTPClient,
		clock:       cfg.Clock,
		prompt:      cfg.Prompt,
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: httpCallTimeout}
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.prompt == nil {
		a.prompt = func(service, authURL string) {
			fmt.Fprintf(os.Stderr, "Authorize %s by opening this URL in a browser:\n\n  %s\n\n", service, authURL)
		}
	}
	return a
}

func (a *Auth) oauthConfig(record domain.CredentialRecord, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     record.ClientID,
		ClientSecret: record.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   a.authURL + "/authorize",
			TokenURL:  a.authURL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (a *Auth) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

type validateResponse struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Validate asks the identity service who owns accessToken.
// A 401 means the token is expired or revoked and wraps domain.ErrTokenRejected.
func (a *Auth) Validate(ctx context.Context, _ domain.CredentialRecord, accessToken string) (domain.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.authURL+"/validate", nil)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to create validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to execute validate request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to read validate response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return domain.Identity{}, fmt.Errorf("validate: %w", domain.ErrTokenRejected)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Identity{}, &domain.PlatformRequestError{Op: "validate token", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result validateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.Identity{}, fmt.Errorf("failed to decode validate response: %w", err)
	}
	if result.UserID == "" {
		return domain.Identity{}, fmt.Errorf("validate: token has no user: %w", domain.ErrTokenRejected)
	}

	return domain.Identity{AccountID: result.UserID, Login: result.Login}, nil
}

// Refresh exchanges the record's refresh token for a new pair.
func (a *Auth) Refresh(ctx context.Context, record domain.CredentialRecord) (domain.Grant, error) {
	src := a.oauthConfig(record, "").TokenSource(a.oauthContext(ctx), &oauth2.Token{RefreshToken: record.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return domain.Grant{}, tokenError("refresh token", err)
	}
	return domain.Grant{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}, nil
}

type callbackResult struct {
	code string
	err  error
}

// Authorize runs the authorization-code flow: it serves the redirect URI
// locally, shows the consent URL and exchanges the returned code. The wait is
// bounded by the configured timeout.
func (a *Auth) Authorize(ctx context.Context, record domain.CredentialRecord) (domain.Grant, error) {
	redirect, err := url.Parse(a.redirectURI)
	if err != nil {
		return domain.Grant{}, fmt.Errorf("invalid redirect URI: %w", err)
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return domain.Grant{}, fmt.Errorf("failed to listen for OAuth callback on %s: %w", redirect.Host, err)
	}
	// Port 0 binds an ephemeral port; the redirect has to name the real one.
	redirect.Host = net.JoinHostPort(redirect.Hostname(), fmt.Sprint(ln.Addr().(*net.TCPAddr).Port))

	state := uuid.NewString()
	results := make(chan callbackResult, 1)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/"
	}
	e.GET(callbackPath, callbackHandler(state, results))

	srv := &http.Server{Handler: e, ReadHeaderTimeout: httpCallTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("OAuth callback server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), callbackShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	conf := a.oauthConfig(record, redirect.String())
	a.prompt(record.Name, conf.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true")))

	var code string
	select {
	case res := <-results:
		if res.err != nil {
			return domain.Grant{}, res.err
		}
		code = res.code
	case <-a.clock.After(a.timeout):
		return domain.Grant{}, fmt.Errorf("no authorization received within %v: %w", a.timeout, domain.ErrAuthorizationAbort)
	case <-ctx.Done():
		return domain.Grant{}, fmt.Errorf("authorization cancelled: %w", ctx.Err())
	}

	token, err := conf.Exchange(a.oauthContext(ctx), code)
	if err != nil {
		return domain.Grant{}, tokenError("exchange authorization code", err)
	}
	return domain.Grant{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}, nil
}

func callbackHandler(state string, results chan<- callbackResult) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.QueryParam("state") != state {
			return c.String(http.StatusBadRequest, "State mismatch. Start the authorization again.")
		}

		var res callbackResult
		if reason := c.QueryParam("error"); reason != "" {
			res.err = fmt.Errorf("%s: %s: %w", reason, c.QueryParam("error_description"), domain.ErrAuthorizationAbort)
		} else if code := c.QueryParam("code"); code != "" {
			res.code = code
		} else {
			return c.String(http.StatusBadRequest, "Missing authorization code.")
		}

		select {
		case results <- res:
		default:
			// a result was already delivered
		}

		if res.err != nil {
			return c.String(http.StatusOK, "Authorization was denied. You can close this window.")
		}
		return c.String(http.StatusOK, "Authorization complete. You can close this window.")
	}
}

// tokenError maps a token endpoint failure onto the platform error taxonomy.
func tokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &domain.PlatformRequestError{Op: op, StatusCode: retrieveErr.Response.StatusCode, Body: string(retrieveErr.Body)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
