package stream

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moralrecordings/mrstream/internal/credstore"
	"github.com/moralrecordings/mrstream/internal/domain"
)

type storeSessions struct {
	store  domain.CredentialStore
	failed map[string]bool
}

func (s *storeSessions) EnsureSession(ctx context.Context, name string) (domain.Session, error) {
	if s.failed[name] {
		return domain.Session{}, &domain.AuthenticationError{Service: name, Reason: "authorization denied"}
	}
	record, err := s.store.Get(ctx, name)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.NewSession(record), nil
}

type fakePlatform struct {
	kind      domain.Kind
	mu        sync.Mutex
	created   []domain.BroadcastParams
	updated   []string
	createErr error
}

func (p *fakePlatform) Kind() domain.Kind                   { return p.kind }
func (p *fakePlatform) Authenticator() domain.Authenticator { return nil }

func (p *fakePlatform) CreateBroadcast(_ context.Context, s domain.Session, params domain.BroadcastParams) (domain.Broadcast, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return domain.Broadcast{}, p.createErr
	}
	p.created = append(p.created, params)
	return domain.Broadcast{ID: "live-" + s.Service, ViewerURL: "https://watch.example/" + s.Service}, nil
}

func (p *fakePlatform) FetchEndpoint(_ context.Context, s domain.Session, id string) (domain.Endpoint, error) {
	return domain.Endpoint{StreamKey: "key-" + id, URL: "rtmp://ingest.example/" + s.Service + "/key-" + id}, nil
}

func (p *fakePlatform) UpdateBroadcast(_ context.Context, s domain.Session, params domain.BroadcastParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = append(p.updated, s.Service+":"+params.Title)
	return nil
}

type searchingPlatform struct {
	fakePlatform
}

func (p *searchingPlatform) SearchCategories(_ context.Context, s domain.Session, query string) ([]domain.Category, error) {
	return []domain.Category{{ID: "1", Name: query + " via " + s.Service}}, nil
}

func (p *searchingPlatform) PastBroadcasts(_ context.Context, s domain.Session) ([]domain.PastBroadcast, error) {
	return []domain.PastBroadcast{{ID: "v1", Title: "archive of " + s.Service}}, nil
}

type serviceEnv struct {
	svc      *Service
	store    *credstore.FileStore
	sessions *storeSessions
	twitch   *searchingPlatform
	tube     *fakePlatform
	out      *bytes.Buffer
	pushFile string
}

func newServiceEnv(t *testing.T, records ...domain.CredentialRecord) *serviceEnv {
	t.Helper()
	dir := t.TempDir()
	store := credstore.NewFileStore(filepath.Join(dir, "credentials.json"), clockwork.NewFakeClock())
	for _, r := range records {
		require.NoError(t, store.Put(context.Background(), r))
	}

	env := &serviceEnv{
		store:    store,
		sessions: &storeSessions{store: store, failed: map[string]bool{}},
		twitch:   &searchingPlatform{fakePlatform{kind: domain.KindTwitch}},
		tube:     &fakePlatform{kind: domain.KindPeerTube},
		out:      &bytes.Buffer{},
		pushFile: filepath.Join(dir, "push.conf"),
	}
	platforms := map[domain.Kind]domain.Platform{
		domain.KindTwitch:   env.twitch,
		domain.KindPeerTube: env.tube,
	}
	env.svc = NewService(store, env.sessions, platforms, env.pushFile, env.out)
	return env
}

func twitchRecord(name string) domain.CredentialRecord {
	return domain.CredentialRecord{Name: name, Kind: domain.KindTwitch, Enabled: true, ClientID: "cid"}
}

func tubeRecord(name string) domain.CredentialRecord {
	return domain.CredentialRecord{Name: name, Kind: domain.KindPeerTube, Enabled: true, BaseURL: "https://tube.example"}
}

func TestCreate_AllEnabledServices(t *testing.T) {
	off := twitchRecord("off")
	off.Enabled = false
	env := newServiceEnv(t, twitchRecord("main"), tubeRecord("tube"), off)

	require.NoError(t, env.store.PutDefaults(context.Background(), domain.BroadcastDefaults{
		Title: "Default title", Game: "Doom", Language: "en",
	}))

	err := env.svc.Create(context.Background(), domain.BroadcastParams{Title: "Tonight", SaveReplay: true})
	require.NoError(t, err)

	require.Len(t, env.twitch.created, 1)
	assert.Equal(t, "Tonight", env.twitch.created[0].Title)
	assert.Equal(t, "Doom", env.twitch.created[0].Game)
	assert.Equal(t, "en", env.twitch.created[0].Language)
	assert.True(t, env.twitch.created[0].SaveReplay)
	require.Len(t, env.tube.created, 1)

	stored, err := env.store.Get(context.Background(), "tube")
	require.NoError(t, err)
	assert.Equal(t, "live-tube", stored.CurrentLiveID)
	assert.Equal(t, "key-live-tube", stored.StreamKey)
	assert.Equal(t, "rtmp://ingest.example/tube/key-live-tube", stored.Endpoint)

	assert.Contains(t, env.out.String(), "main: https://watch.example/main\n")
	assert.Contains(t, env.out.String(), "tube: https://watch.example/tube\n")
	assert.NotContains(t, env.out.String(), "off")

	data, err := os.ReadFile(env.pushFile)
	require.NoError(t, err)
	assert.Equal(t,
		"push rtmp://ingest.example/main/key-live-main;\npush rtmp://ingest.example/tube/key-live-tube;\n",
		string(data))
}

func TestCreate_OneServiceFailing(t *testing.T) {
	env := newServiceEnv(t, twitchRecord("main"), tubeRecord("tube"))
	env.tube.createErr = errors.New("live streaming disabled on instance")

	err := env.svc.Create(context.Background(), domain.BroadcastParams{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tube: live streaming disabled")

	// The healthy service still got its broadcast and push line.
	data, readErr := os.ReadFile(env.pushFile)
	require.NoError(t, readErr)
	assert.Equal(t, "push rtmp://ingest.example/main/key-live-main;\n", string(data))
}

func TestCreate_AuthenticationFailureSkipsService(t *testing.T) {
	env := newServiceEnv(t, twitchRecord("main"), tubeRecord("tube"))
	env.sessions.failed["main"] = true

	err := env.svc.Create(context.Background(), domain.BroadcastParams{Title: "x"})

	var authErr *domain.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Empty(t, env.twitch.created)
	assert.Len(t, env.tube.created, 1)
}

func TestCreate_NoEnabledServices(t *testing.T) {
	env := newServiceEnv(t)
	err := env.svc.Create(context.Background(), domain.BroadcastParams{})
	require.ErrorIs(t, err, ErrNoEnabledServices)
}

func TestUpdate(t *testing.T) {
	env := newServiceEnv(t, twitchRecord("main"), tubeRecord("tube"))

	require.NoError(t, env.svc.Update(context.Background(), domain.BroadcastParams{Title: "New title"}))

	assert.Equal(t, []string{"main:New title"}, env.twitch.updated)
	assert.Equal(t, []string{"tube:New title"}, env.tube.updated)
	assert.Contains(t, env.out.String(), "Updated stream on main")
}

func TestCategories_UsesSearchCapableService(t *testing.T) {
	env := newServiceEnv(t, tubeRecord("a-tube"), twitchRecord("main"))

	cats, err := env.svc.Categories(context.Background(), "Doom")
	require.NoError(t, err)
	assert.Equal(t, []domain.Category{{ID: "1", Name: "Doom via main"}}, cats)
}

func TestCategories_Unsupported(t *testing.T) {
	env := newServiceEnv(t, tubeRecord("tube"))

	_, err := env.svc.Categories(context.Background(), "Doom")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestVideos(t *testing.T) {
	env := newServiceEnv(t, twitchRecord("main"), tubeRecord("tube"))

	videos, err := env.svc.Videos(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "archive of main", videos[0].Title)

	_, err = env.svc.Videos(context.Background(), "tube")
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = env.svc.Videos(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrServiceNotFound)
}

func TestWritePushConfig_NotConfigured(t *testing.T) {
	env := newServiceEnv(t)
	svc := NewService(env.store, env.sessions, nil, "", env.out)
	require.Error(t, svc.WritePushConfig(context.Background()))
}
