package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moralrecordings/mrstream/internal/domain"
)

const credentialColumns = `name, kind, enabled, client_id, client_secret, access_token, refresh_token,
	account_id, login, base_url, username, password, channel_id, stream_key, endpoint,
	current_live_id, updated_at`

type credentialRow struct {
	Name          string    `db:"name"`
	Kind          string    `db:"kind"`
	Enabled       bool      `db:"enabled"`
	ClientID      string    `db:"client_id"`
	ClientSecret  string    `db:"client_secret"`
	AccessToken   string    `db:"access_token"`
	RefreshToken  string    `db:"refresh_token"`
	AccountID     string    `db:"account_id"`
	Login         string    `db:"login"`
	BaseURL       string    `db:"base_url"`
	Username      string    `db:"username"`
	Password      string    `db:"password"`
	ChannelID     string    `db:"channel_id"`
	StreamKey     string    `db:"stream_key"`
	Endpoint      string    `db:"endpoint"`
	CurrentLiveID string    `db:"current_live_id"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func toDomainRecord(row credentialRow) domain.CredentialRecord {
	return domain.CredentialRecord{
		Name:          row.Name,
		Kind:          domain.Kind(row.Kind),
		Enabled:       row.Enabled,
		ClientID:      row.ClientID,
		ClientSecret:  row.ClientSecret,
		AccessToken:   row.AccessToken,
		RefreshToken:  row.RefreshToken,
		AccountID:     row.AccountID,
		Login:         row.Login,
		BaseURL:       row.BaseURL,
		Username:      row.Username,
		Password:      row.Password,
		ChannelID:     row.ChannelID,
		StreamKey:     row.StreamKey,
		Endpoint:      row.Endpoint,
		CurrentLiveID: row.CurrentLiveID,
		UpdatedAt:     row.UpdatedAt.UTC(),
	}
}

type Store struct {
	pool *pgxpool.Pool
}

// NewStore takes ownership of pool; Close releases it.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetAll(ctx context.Context) (map[string]domain.CredentialRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+credentialColumns+` FROM service_credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}

	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[credentialRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan credentials: %w", err)
	}

	records := make(map[string]domain.CredentialRecord, len(collected))
	for _, row := range collected {
		records[row.Name] = toDomainRecord(row)
	}
	return records, nil
}

func (s *Store) Get(ctx context.Context, name string) (domain.CredentialRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+credentialColumns+` FROM service_credentials WHERE name = $1`, name)
	if err != nil {
		return domain.CredentialRecord{}, fmt.Errorf("failed to query credential: %w", err)
	}

	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[credentialRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CredentialRecord{}, fmt.Errorf("%q: %w", name, domain.ErrServiceNotFound)
	}
	if err != nil {
		return domain.CredentialRecord{}, fmt.Errorf("failed to get credential: %w", err)
	}
	return toDomainRecord(row), nil
}

func (s *Store) Put(ctx context.Context, r domain.CredentialRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (name) DO UPDATE SET
			kind = EXCLUDED.kind,
			enabled = EXCLUDED.enabled,
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			account_id = EXCLUDED.account_id,
			login = EXCLUDED.login,
			base_url = EXCLUDED.base_url,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			channel_id = EXCLUDED.channel_id,
			stream_key = EXCLUDED.stream_key,
			endpoint = EXCLUDED.endpoint,
			current_live_id = EXCLUDED.current_live_id,
			updated_at = NOW()`,
		r.Name, string(r.Kind), r.Enabled, r.ClientID, r.ClientSecret, r.AccessToken, r.RefreshToken,
		r.AccountID, r.Login, r.BaseURL, r.Username, r.Password, r.ChannelID, r.StreamKey, r.Endpoint,
		r.CurrentLiveID)
	if err != nil {
		return fmt.Errorf("failed to upsert credential %q: %w", r.Name, err)
	}
	return nil
}

func (s *Store) GetDefaults(ctx context.Context) (domain.BroadcastDefaults, error) {
	var d domain.BroadcastDefaults
	err := s.pool.QueryRow(ctx, `
		SELECT title, description, announcement, game, game_id, language, save_replay
		FROM broadcast_defaults WHERE id = 1`).
		Scan(&d.Title, &d.Description, &d.Announcement, &d.Game, &d.GameID, &d.Language, &d.SaveReplay)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BroadcastDefaults{}, nil
	}
	if err != nil {
		return domain.BroadcastDefaults{}, fmt.Errorf("failed to get broadcast defaults: %w", err)
	}
	return d, nil
}

func (s *Store) PutDefaults(ctx context.Context, d domain.BroadcastDefaults) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broadcast_defaults (id, title, description, announcement, game, game_id, language, save_replay)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			announcement = EXCLUDED.announcement,
			game = EXCLUDED.game,
			game_id = EXCLUDED.game_id,
			language = EXCLUDED.language,
			save_replay = EXCLUDED.save_replay`,
		d.Title, d.Description, d.Announcement, d.Game, d.GameID, d.Language, d.SaveReplay)
	if err != nil {
		return fmt.Errorf("failed to store broadcast defaults: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
