// Package redis stores credential records in Redis hashes.
//
// Layout:
//
//	mrstream:credential:{name}  hash, one field per record attribute
//	mrstream:credentials        set of service names
//	mrstream:defaults           hash of broadcast defaults
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/moralrecordings/mrstream/internal/domain"
)

const (
	namesKey    = "mrstream:credentials"
	defaultsKey = "mrstream:defaults"
)

func credentialKey(name string) string { return "mrstream:credential:" + name }

// NewClient parses redisURL and verifies the connection.
func NewClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

type Store struct {
	rdb *goredis.Client
}

// NewStore takes ownership of rdb; Close releases it.
func NewStore(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) GetAll(ctx context.Context) (map[string]domain.CredentialRecord, error) {
	names, err := s.rdb.SMembers(ctx, namesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	cmds := make(map[string]*goredis.MapStringStringCmd, len(names))
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, name := range names {
			cmds[name] = pipe.HGetAll(ctx, credentialKey(name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	records := make(map[string]domain.CredentialRecord, len(names))
	for name, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		records[name] = fromHash(fields)
	}
	return records, nil
}

func (s *Store) Get(ctx context.Context, name string) (domain.CredentialRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, credentialKey(name)).Result()
	if err != nil {
		return domain.CredentialRecord{}, fmt.Errorf("failed to get credential: %w", err)
	}
	if len(fields) == 0 {
		return domain.CredentialRecord{}, fmt.Errorf("%q: %w", name, domain.ErrServiceNotFound)
	}
	return fromHash(fields), nil
}

// Put replaces the record hash and indexes the name in one MULTI/EXEC.
func (s *Store) Put(ctx context.Context, r domain.CredentialRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	key := credentialKey(r.Name)
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, toHash(r))
		pipe.SAdd(ctx, namesKey, r.Name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store credential %q: %w", r.Name, err)
	}
	return nil
}

func (s *Store) GetDefaults(ctx context.Context) (domain.BroadcastDefaults, error) {
	fields, err := s.rdb.HGetAll(ctx, defaultsKey).Result()
	if err != nil {
		return domain.BroadcastDefaults{}, fmt.Errorf("failed to get broadcast defaults: %w", err)
	}
	return domain.BroadcastDefaults{
		Title:        fields["title"],
		Description:  fields["description"],
		Announcement: fields["announcement"],
		Game:         fields["game"],
		GameID:       fields["game_id"],
		Language:     fields["language"],
		SaveReplay:   fields["save_replay"] == "1",
	}, nil
}

func (s *Store) PutDefaults(ctx context.Context, d domain.BroadcastDefaults) error {
	err := s.rdb.HSet(ctx, defaultsKey, map[string]any{
		"title":        d.Title,
		"description":  d.Description,
		"announcement": d.Announcement,
		"game":         d.Game,
		"game_id":      d.GameID,
		"language":     d.Language,
		"save_replay":  boolField(d.SaveReplay),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to store broadcast defaults: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func toHash(r domain.CredentialRecord) map[string]any {
	return map[string]any{
		"name":            r.Name,
		"kind":            string(r.Kind),
		"enabled":         boolField(r.Enabled),
		"client_id":       r.ClientID,
		"client_secret":   r.ClientSecret,
		"access_token":    r.AccessToken,
		"refresh_token":   r.RefreshToken,
		"account_id":      r.AccountID,
		"login":           r.Login,
		"base_url":        r.BaseURL,
		"username":        r.Username,
		"password":        r.Password,
		"channel_id":      r.ChannelID,
		"stream_key":      r.StreamKey,
		"endpoint":        r.Endpoint,
		"current_live_id": r.CurrentLiveID,
		"updated_at":      strconv.FormatInt(r.UpdatedAt.Unix(), 10),
	}
}

func fromHash(f map[string]string) domain.CredentialRecord {
	r := domain.CredentialRecord{
		Name:          f["name"],
		Kind:          domain.Kind(f["kind"]),
		Enabled:       f["enabled"] == "1",
		ClientID:      f["client_id"],
		ClientSecret:  f["client_secret"],
		AccessToken:   f["access_token"],
		RefreshToken:  f["refresh_token"],
		AccountID:     f["account_id"],
		Login:         f["login"],
		BaseURL:       f["base_url"],
		Username:      f["username"],
		Password:      f["password"],
		ChannelID:     f["channel_id"],
		StreamKey:     f["stream_key"],
		Endpoint:      f["endpoint"],
		CurrentLiveID: f["current_live_id"],
	}
	if unix, err := strconv.ParseInt(f["updated_at"], 10, 64); err == nil {
		r.UpdatedAt = time.Unix(unix, 0).UTC()
	}
	return r
}
