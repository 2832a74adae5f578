package peertube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/platform/version"
)

const httpCallTimeout = 10 * time.Second

// privacyPublic is the videos API privacy level for public videos.
const privacyPublic = 1

// Client issues REST calls against a PeerTube instance. Non-2xx responses
// become *domain.PlatformRequestError and are never retried.
type Client struct {
	httpClient *http.Client
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpCallTimeout}
	}
	return &Client{httpClient: httpClient}
}

func apiURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/api/v1" + path
}

func (c *Client) do(ctx context.Context, op, method, url, token string, in, out any, want ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", version.Get().UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if !statusIn(resp.StatusCode, want) {
		return &domain.PlatformRequestError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func statusIn(code int, want []int) bool {
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}

type localClient struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// LocalClient fetches the instance's OAuth client credentials.
func (c *Client) LocalClient(ctx context.Context, baseURL string) (clientID, clientSecret string, err error) {
	var lc localClient
	if err := c.do(ctx, "get local oauth client", http.MethodGet, apiURL(baseURL, "/oauth-clients/local"), "", nil, &lc, http.StatusOK); err != nil {
		return "", "", err
	}
	return lc.ClientID, lc.ClientSecret, nil
}

type account struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	VideoChannels []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"videoChannels"`
}

// Me returns the account that owns token. A 401 wraps domain.ErrTokenRejected.
func (c *Client) Me(ctx context.Context, baseURL, token string) (domain.Identity, error) {
	var me account
	err := c.do(ctx, "get current user", http.MethodGet, apiURL(baseURL, "/users/me"), token, nil, &me, http.StatusOK)
	var reqErr *domain.PlatformRequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusUnauthorized {
		return domain.Identity{}, fmt.Errorf("get current user: %w", domain.ErrTokenRejected)
	}
	if err != nil {
		return domain.Identity{}, err
	}

	id := domain.Identity{AccountID: strconv.FormatInt(me.ID, 10), Login: me.Username}
	if len(me.VideoChannels) > 0 {
		id.ChannelID = strconv.FormatInt(me.VideoChannels[0].ID, 10)
	}
	return id, nil
}

type createLiveRequest struct {
	ChannelID   int64  `json:"channelId"`
	Name        string `json:"name"`
	SaveReplay  bool   `json:"saveReplay"`
	Privacy     int    `json:"privacy"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
}

type createLiveResponse struct {
	Video struct {
		ID        int64  `json:"id"`
		UUID      string `json:"uuid"`
		ShortUUID string `json:"shortUUID"`
	} `json:"video"`
}

// LiveVideo identifies a created live video.
type LiveVideo struct {
	UUID      string
	ShortUUID string
}

// CreateLive creates a public live video in the session's channel.
func (c *Client) CreateLive(ctx context.Context, s domain.Session, p domain.BroadcastParams) (LiveVideo, error) {
	channelID, err := strconv.ParseInt(s.Record.ChannelID, 10, 64)
	if err != nil {
		return LiveVideo{}, fmt.Errorf("service %q has no usable channel id %q", s.Service, s.Record.ChannelID)
	}

	req := createLiveRequest{
		ChannelID:   channelID,
		Name:        p.Title,
		SaveReplay:  p.SaveReplay,
		Privacy:     privacyPublic,
		Description: p.Description,
		Language:    p.Language,
	}

	var resp createLiveResponse
	if err := c.do(ctx, "create live video", http.MethodPost, apiURL(s.Record.BaseURL, "/videos/live"), s.AccessToken, req, &resp, http.StatusOK); err != nil {
		return LiveVideo{}, err
	}
	return LiveVideo{UUID: resp.Video.UUID, ShortUUID: resp.Video.ShortUUID}, nil
}

type liveInfo struct {
	RTMPURL   string `json:"rtmpUrl"`
	StreamKey string `json:"streamKey"`
}

// LiveEndpoint reads the RTMP URL and stream key of a live video.
func (c *Client) LiveEndpoint(ctx context.Context, s domain.Session, videoID string) (domain.Endpoint, error) {
	var info liveInfo
	if err := c.do(ctx, "get live video", http.MethodGet, apiURL(s.Record.BaseURL, "/videos/live/"+videoID), s.AccessToken, nil, &info, http.StatusOK); err != nil {
		return domain.Endpoint{}, err
	}
	return domain.Endpoint{
		StreamKey: info.StreamKey,
		URL:       strings.TrimRight(info.RTMPURL, "/") + "/" + info.StreamKey,
	}, nil
}

type updateVideoRequest struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
}

// UpdateVideo changes the title, description and language of a video. Empty fields are left unchanged.
func (c *Client) UpdateVideo(ctx context.Context, s domain.Session, videoID string, p domain.BroadcastParams) error {
	req := updateVideoRequest{Name: p.Title, Description: p.Description, Language: p.Language}
	return c.do(ctx, "update video", http.MethodPut, apiURL(s.Record.BaseURL, "/videos/"+videoID), s.AccessToken, req, nil, http.StatusNoContent, http.StatusOK)
}

type videoList struct {
	Data []struct {
		UUID         string    `json:"uuid"`
		ShortUUID    string    `json:"shortUUID"`
		Name         string    `json:"name"`
		Description  string    `json:"description"`
		Duration     int       `json:"duration"`
		ThumbnailURL string    `json:"thumbnailPath"`
		CreatedAt    time.Time `json:"createdAt"`
	} `json:"data"`
}

// PastBroadcasts lists the channel's videos, newest first.
func (c *Client) PastBroadcasts(ctx context.Context, s domain.Session) ([]domain.PastBroadcast, error) {
	url := apiURL(s.Record.BaseURL, "/video-channels/"+s.Record.ChannelID+"/videos?sort=-publishedAt")
	if s.Record.ChannelID == "" {
		url = apiURL(s.Record.BaseURL, "/users/me/videos?sort=-publishedAt")
	}

	var list videoList
	if err := c.do(ctx, "list videos", http.MethodGet, url, s.AccessToken, nil, &list, http.StatusOK); err != nil {
		return nil, err
	}

	base := strings.TrimRight(s.Record.BaseURL, "/")
	videos := make([]domain.PastBroadcast, 0, len(list.Data))
	for _, v := range list.Data {
		videos = append(videos, domain.PastBroadcast{
			ID:           v.UUID,
			Title:        v.Name,
			Description:  v.Description,
			URL:          base + "/w/" + v.ShortUUID,
			ThumbnailURL: base + v.ThumbnailURL,
			Duration:     (time.Duration(v.Duration) * time.Second).String(),
			CreatedAt:    v.CreatedAt.Format(time.RFC3339),
		})
	}
	return videos, nil
}
