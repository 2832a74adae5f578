package peertube

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/moralrecordings/mrstream/internal/domain"
)

// Platform implements domain.Platform for PeerTube. Each broadcast is a new
// live video; its UUID is kept as the record's current live id.
type Platform struct {
	auth   *Auth
	client *Client
}

func NewPlatform(auth *Auth, client *Client) *Platform {
	return &Platform{auth: auth, client: client}
}

func (p *Platform) Kind() domain.Kind { return domain.KindPeerTube }

func (p *Platform) Authenticator() domain.Authenticator { return p.auth }

func (p *Platform) Client() *Client { return p.client }

// CreateBroadcast creates a live video. Announcements have no PeerTube
// equivalent and are ignored.
func (p *Platform) CreateBroadcast(ctx context.Context, s domain.Session, params domain.BroadcastParams) (domain.Broadcast, error) {
	video, err := p.client.CreateLive(ctx, s, params)
	if err != nil {
		return domain.Broadcast{}, err
	}
	if params.Announcement != "" {
		slog.DebugContext(ctx, "Announcement not supported on PeerTube", "service", s.Service)
	}
	return domain.Broadcast{
		ID:        video.UUID,
		ViewerURL: strings.TrimRight(s.Record.BaseURL, "/") + "/w/" + video.ShortUUID,
	}, nil
}

func (p *Platform) FetchEndpoint(ctx context.Context, s domain.Session, broadcastID string) (domain.Endpoint, error) {
	return p.client.LiveEndpoint(ctx, s, broadcastID)
}

// UpdateBroadcast edits the current live video. Game and category do not apply.
func (p *Platform) UpdateBroadcast(ctx context.Context, s domain.Session, params domain.BroadcastParams) error {
	if s.Record.CurrentLiveID == "" {
		return errors.New("no live video to update, create one first")
	}
	return p.client.UpdateVideo(ctx, s, s.Record.CurrentLiveID, params)
}

func (p *Platform) PastBroadcasts(ctx context.Context, s domain.Session) ([]domain.PastBroadcast, error) {
	return p.client.PastBroadcasts(ctx, s)
}
