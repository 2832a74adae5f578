package peertube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/moralrecordings/mrstream/internal/domain"
)

// Auth implements domain.Authenticator for PeerTube. There is no interactive
// step: authorization is the password grant with the stored credentials.
type Auth struct {
	client     *Client
	httpClient *http.Client
}

func NewAuth(client *Client, httpClient *http.Client) *Auth {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpCallTimeout}
	}
	return &Auth{client: client, httpClient: httpClient}
}

func oauthConfig(baseURL, clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  apiURL(baseURL, "/users/token"),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (a *Auth) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// Validate reads users/me on the record's instance.
func (a *Auth) Validate(ctx context.Context, record domain.CredentialRecord, accessToken string) (domain.Identity, error) {
	return a.client.Me(ctx, record.BaseURL, accessToken)
}

func (a *Auth) Refresh(ctx context.Context, record domain.CredentialRecord) (domain.Grant, error) {
	if record.ClientID == "" {
		return domain.Grant{}, errors.New("refresh token: no client credentials stored")
	}

	conf := oauthConfig(record.BaseURL, record.ClientID, record.ClientSecret)
	token, err := conf.TokenSource(a.oauthContext(ctx), &oauth2.Token{RefreshToken: record.RefreshToken}).Token()
	if err != nil {
		return domain.Grant{}, tokenError("refresh token", err)
	}
	return domain.Grant{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}, nil
}

// Authorize runs the password grant. On first use the instance's local OAuth
// client is fetched and returned with the grant so it gets persisted.
func (a *Auth) Authorize(ctx context.Context, record domain.CredentialRecord) (domain.Grant, error) {
	if record.Username == "" || record.Password == "" {
		return domain.Grant{}, fmt.Errorf("no username or password stored: %w", domain.ErrAuthorizationAbort)
	}

	var grant domain.Grant
	clientID, clientSecret := record.ClientID, record.ClientSecret
	if clientID == "" {
		var err error
		clientID, clientSecret, err = a.client.LocalClient(ctx, record.BaseURL)
		if err != nil {
			return domain.Grant{}, err
		}
		grant.ClientID, grant.ClientSecret = clientID, clientSecret
	}

	conf := oauthConfig(record.BaseURL, clientID, clientSecret)
	token, err := conf.PasswordCredentialsToken(a.oauthContext(ctx), record.Username, record.Password)
	if err != nil {
		return domain.Grant{}, tokenError("password grant", err)
	}

	grant.AccessToken = token.AccessToken
	grant.RefreshToken = token.RefreshToken
	return grant, nil
}

func tokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &domain.PlatformRequestError{Op: op, StatusCode: retrieveErr.Response.StatusCode, Body: strings.TrimSpace(string(retrieveErr.Body))}
	}
	return fmt.Errorf("%s: %w", op, err)
}
