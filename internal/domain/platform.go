package domain

import "context"

// BroadcastParams describe a broadcast to create or update. Empty fields are left unchanged.
type BroadcastParams struct {
	Title        string
	Description  string
	Announcement string
	Game         string
	GameID       string
	Language     string
	SaveReplay   bool
}

// Apply fills empty fields from stored defaults.
func (p BroadcastParams) Apply(d BroadcastDefaults) BroadcastParams {
	if p.Title == "" {
		p.Title = d.Title
	}
	if p.Description == "" {
		p.Description = d.Description
	}
	if p.Announcement == "" {
		p.Announcement = d.Announcement
	}
	if p.Game == "" && p.GameID == "" {
		p.Game = d.Game
		p.GameID = d.GameID
	}
	if p.Language == "" {
		p.Language = d.Language
	}
	return p
}

// Broadcast is a live session created on a platform.
type Broadcast struct {
	ID        string
	ViewerURL string
}

// Endpoint is where the encoder pushes RTMP.
type Endpoint struct {
	StreamKey string
	URL       string
}

// Platform is the per-kind capability selected once per credential record.
type Platform interface {
	Kind() Kind
	Authenticator() Authenticator
	CreateBroadcast(ctx context.Context, s Session, p BroadcastParams) (Broadcast, error)
	FetchEndpoint(ctx context.Context, s Session, broadcastID string) (Endpoint, error)
	UpdateBroadcast(ctx context.Context, s Session, p BroadcastParams) error
}

// Category is a searchable game or category on a live platform.
type Category struct {
	ID   string
	Name string
}

// PastBroadcast is an archived broadcast.
type PastBroadcast struct {
	ID           string
	Title        string
	Description  string
	URL          string
	ThumbnailURL string
	Duration     string
	CreatedAt    string
}

// ChatSender posts a chat message as the session's account.
type ChatSender interface {
	SendChatMessage(ctx context.Context, s Session, text, replyID string) error
}
