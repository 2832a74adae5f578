package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nicklaw5/helix/v2"

	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/platform/version"
)

const maxCategoryResults = 20

type ClientConfig struct {
	APIURL     string
	IngestURL  string
	HTTPClient *http.Client
}

// Client issues Helix calls on behalf of a session. It holds no per-session
// state; every call builds a Helix client bound to the session's token.
// Non-2xx responses become *domain.PlatformRequestError and are never retried.
type Client struct {
	apiURL     string
	ingestURL  string
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		ingestURL:  cfg.IngestURL,
		httpClient: cfg.HTTPClient,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: httpCallTimeout}
	}
	return c
}

// helixFor binds a Helix client to s's token. Requests it issues are
// cancelled with ctx.
func (c *Client) helixFor(ctx context.Context, s domain.Session) (*helix.Client, error) {
	hc, err := helix.NewClientWithContext(ctx, &helix.Options{
		ClientID:        s.Record.ClientID,
		UserAccessToken: s.AccessToken,
		APIBaseURL:      c.apiURL,
		HTTPClient:      c.httpClient,
		UserAgent:       version.Get().UserAgent(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}
	return hc, nil
}

func checkResponse(op string, resp helix.ResponseCommon, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	body := resp.ErrorMessage
	if body == "" {
		body = resp.Error
	}
	return &domain.PlatformRequestError{Op: op, StatusCode: resp.StatusCode, Body: body}
}

// StreamKey returns the broadcaster's current stream key.
func (c *Client) StreamKey(ctx context.Context, s domain.Session) (string, error) {
	hc, err := c.helixFor(ctx, s)
	if err != nil {
		return "", err
	}

	resp, err := hc.GetStreamKey(&helix.StreamKeyParams{BroadcasterID: s.AccountID})
	if err != nil {
		return "", fmt.Errorf("failed to get stream key: %w", err)
	}
	if err := checkResponse("get stream key", resp.ResponseCommon, http.StatusOK); err != nil {
		return "", err
	}
	if len(resp.Data.Data) == 0 {
		return "", &domain.PlatformRequestError{Op: "get stream key", StatusCode: resp.StatusCode, Body: "no stream key returned"}
	}
	return resp.Data.Data[0].StreamKey, nil
}

// SearchCategories returns matches in platform order. No match is an empty slice.
func (c *Client) SearchCategories(ctx context.Context, s domain.Session, query string) ([]domain.Category, error) {
	hc, err := c.helixFor(ctx, s)
	if err != nil {
		return nil, err
	}

	resp, err := hc.SearchCategories(&helix.SearchCategoriesParams{Query: query, First: maxCategoryResults})
	if err != nil {
		return nil, fmt.Errorf("failed to search categories: %w", err)
	}
	if err := checkResponse("search categories", resp.ResponseCommon, http.StatusOK); err != nil {
		return nil, err
	}

	categories := make([]domain.Category, 0, len(resp.Data.Categories))
	for _, cat := range resp.Data.Categories {
		categories = append(categories, domain.Category{ID: cat.ID, Name: cat.Name})
	}
	return categories, nil
}

type ChannelUpdate struct {
	Title    string
	GameID   string
	Language string
}

// ModifyChannel edits the broadcaster's title, category and language. Empty fields are left unchanged.
func (c *Client) ModifyChannel(ctx context.Context, s domain.Session, u ChannelUpdate) error {
	hc, err := c.helixFor(ctx, s)
	if err != nil {
		return err
	}

	resp, err := hc.EditChannelInformation(&helix.EditChannelInformationParams{
		BroadcasterID:       s.AccountID,
		Title:               u.Title,
		GameID:              u.GameID,
		BroadcasterLanguage: u.Language,
	})
	if err != nil {
		return fmt.Errorf("failed to modify channel: %w", err)
	}
	return checkResponse("modify channel information", resp.ResponseCommon, http.StatusNoContent)
}

// PastBroadcasts lists archived broadcasts, newest first.
func (c *Client) PastBroadcasts(ctx context.Context, s domain.Session) ([]domain.PastBroadcast, error) {
	hc, err := c.helixFor(ctx, s)
	if err != nil {
		return nil, err
	}

	resp, err := hc.GetVideos(&helix.VideosParams{UserID: s.AccountID, Type: "archive"})
	if err != nil {
		return nil, fmt.Errorf("failed to get videos: %w", err)
	}
	if err := checkResponse("get videos", resp.ResponseCommon, http.StatusOK); err != nil {
		return nil, err
	}

	videos := make([]domain.PastBroadcast, 0, len(resp.Data.Videos))
	for _, v := range resp.Data.Videos {
		videos = append(videos, domain.PastBroadcast{
			ID:           v.ID,
			Title:        v.Title,
			Description:  v.Description,
			URL:          v.URL,
			ThumbnailURL: v.ThumbnailURL,
			Duration:     v.Duration,
			CreatedAt:    v.CreatedAt,
		})
	}
	return videos, nil
}

// SendChatMessage posts text to the session's own channel, optionally as a reply.
func (c *Client) SendChatMessage(ctx context.Context, s domain.Session, text, replyID string) error {
	hc, err := c.helixFor(ctx, s)
	if err != nil {
		return err
	}

	resp, err := hc.SendChatMessage(&helix.SendChatMessageParams{
		BroadcasterID:        s.AccountID,
		SenderID:             s.AccountID,
		Message:              text,
		ReplyParentMessageID: replyID,
	})
	if err != nil {
		return fmt.Errorf("failed to send chat message: %w", err)
	}
	return checkResponse("send chat message", resp.ResponseCommon, http.StatusOK)
}

const (
	subscriptionFollow      = "channel.follow"
	subscriptionRaid        = "channel.raid"
	subscriptionChatMessage = "channel.chat.message"
)

// subscriptionSpec describes one EventSub interest.
type subscriptionSpec struct {
	Type      string
	Version   string
	Condition helix.EventSubCondition
}

func subscriptionFor(kind domain.EventKind, accountID string) (subscriptionSpec, error) {
	switch kind {
	case domain.EventFollow:
		return subscriptionSpec{
			Type:      subscriptionFollow,
			Version:   "2",
			Condition: helix.EventSubCondition{BroadcasterUserID: accountID, ModeratorUserID: accountID},
		}, nil
	case domain.EventRaid:
		return subscriptionSpec{
			Type:      subscriptionRaid,
			Version:   "1",
			Condition: helix.EventSubCondition{ToBroadcasterUserID: accountID},
		}, nil
	case domain.EventChatMessage:
		return subscriptionSpec{
			Type:      subscriptionChatMessage,
			Version:   "1",
			Condition: helix.EventSubCondition{BroadcasterUserID: accountID, UserID: accountID},
		}, nil
	default:
		return subscriptionSpec{}, fmt.Errorf("no subscription for event kind %q", kind)
	}
}

// Subscribe creates a websocket-transport EventSub subscription bound to sessionID.
func (c *Client) Subscribe(ctx context.Context, s domain.Session, kind domain.EventKind, sessionID string) (string, error) {
	spec, err := subscriptionFor(kind, s.AccountID)
	if err != nil {
		return "", err
	}

	hc, err := c.helixFor(ctx, s)
	if err != nil {
		return "", err
	}

	resp, err := hc.CreateEventSubSubscription(&helix.EventSubSubscription{
		Type:      spec.Type,
		Version:   spec.Version,
		Condition: spec.Condition,
		Transport: helix.EventSubTransport{
			Method:    "websocket",
			SessionID: sessionID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create eventsub subscription: %w", err)
	}
	if err := checkResponse("create eventsub subscription "+spec.Type, resp.ResponseCommon, http.StatusAccepted); err != nil {
		return "", err
	}
	if len(resp.Data.EventSubSubscriptions) == 0 {
		return "", &domain.PlatformRequestError{Op: "create eventsub subscription " + spec.Type, StatusCode: resp.StatusCode, Body: "no subscription returned"}
	}
	return resp.Data.EventSubSubscriptions[0].ID, nil
}

type ingestList struct {
	Ingests []struct {
		Name        string `json:"name"`
		URLTemplate string `json:"url_template"`
	} `json:"ingests"`
}

// IngestEndpoint returns the RTMP URL of the preferred ingest server for streamKey.
func (c *Client) IngestEndpoint(ctx context.Context, streamKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ingestURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create ingest request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute ingest request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read ingest response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &domain.PlatformRequestError{Op: "list ingests", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var list ingestList
	if err := json.Unmarshal(body, &list); err != nil {
		return "", fmt.Errorf("failed to decode ingest list: %w", err)
	}
	if len(list.Ingests) == 0 {
		return "", &domain.PlatformRequestError{Op: "list ingests", StatusCode: resp.StatusCode, Body: "no ingest servers"}
	}

	return strings.ReplaceAll(list.Ingests[0].URLTemplate, "{stream_key}", streamKey), nil
}
