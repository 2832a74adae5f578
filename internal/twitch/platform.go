package twitch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/moralrecordings/mrstream/internal/domain"
)

const viewerBaseURL = "https://twitch.tv/"

// Platform implements domain.Platform and domain.ChatSender for Twitch.
// A Twitch channel has exactly one broadcast, so creating one means updating
// the channel and reading its stream key.
type Platform struct {
	auth   *Auth
	client *Client
}

func NewPlatform(auth *Auth, client *Client) *Platform {
	return &Platform{auth: auth, client: client}
}

func (p *Platform) Kind() domain.Kind { return domain.KindTwitch }

func (p *Platform) Authenticator() domain.Authenticator { return p.auth }

// Client exposes the Helix calls that have no platform-neutral form
// (categories, past broadcasts, subscriptions).
func (p *Platform) Client() *Client { return p.client }

func (p *Platform) CreateBroadcast(ctx context.Context, s domain.Session, params domain.BroadcastParams) (domain.Broadcast, error) {
	if err := p.UpdateBroadcast(ctx, s, params); err != nil {
		return domain.Broadcast{}, err
	}

	if params.Announcement != "" {
		if err := p.client.SendChatMessage(ctx, s, params.Announcement, ""); err != nil {
			// The channel is already updated; a missing announcement should not fail the broadcast.
			slog.WarnContext(ctx, "Failed to post announcement", "service", s.Service, "error", err)
		}
	}

	return domain.Broadcast{ID: s.AccountID, ViewerURL: viewerBaseURL + s.Login}, nil
}

func (p *Platform) FetchEndpoint(ctx context.Context, s domain.Session, _ string) (domain.Endpoint, error) {
	key, err := p.client.StreamKey(ctx, s)
	if err != nil {
		return domain.Endpoint{}, err
	}
	url, err := p.client.IngestEndpoint(ctx, key)
	if err != nil {
		return domain.Endpoint{}, err
	}
	return domain.Endpoint{StreamKey: key, URL: url}, nil
}

func (p *Platform) UpdateBroadcast(ctx context.Context, s domain.Session, params domain.BroadcastParams) error {
	gameID, err := p.resolveGame(ctx, s, params)
	if err != nil {
		return err
	}
	return p.client.ModifyChannel(ctx, s, ChannelUpdate{
		Title:    params.Title,
		GameID:   gameID,
		Language: params.Language,
	})
}

// resolveGame prefers an explicit game ID, otherwise takes the first category
// matching the game name.
func (p *Platform) resolveGame(ctx context.Context, s domain.Session, params domain.BroadcastParams) (string, error) {
	if params.GameID != "" || params.Game == "" {
		return params.GameID, nil
	}

	categories, err := p.client.SearchCategories(ctx, s, params.Game)
	if err != nil {
		return "", err
	}
	if len(categories) == 0 {
		return "", fmt.Errorf("no category matches %q", params.Game)
	}

	slog.DebugContext(ctx, "Resolved category", "query", params.Game, "category", categories[0].Name, "id", categories[0].ID)
	return categories[0].ID, nil
}

func (p *Platform) SendChatMessage(ctx context.Context, s domain.Session, text, replyID string) error {
	return p.client.SendChatMessage(ctx, s, text, replyID)
}

func (p *Platform) SearchCategories(ctx context.Context, s domain.Session, query string) ([]domain.Category, error) {
	return p.client.SearchCategories(ctx, s, query)
}

func (p *Platform) PastBroadcasts(ctx context.Context, s domain.Session) ([]domain.PastBroadcast, error) {
	return p.client.PastBroadcasts(ctx, s)
}
