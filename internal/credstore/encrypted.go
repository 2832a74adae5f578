package credstore

import (
	"context"
	"fmt"

	"github.com/moralrecordings/mrstream/internal/crypto"
	"github.com/moralrecordings/mrstream/internal/domain"
)

// Encrypted seals the secret fields of every record before it reaches the
// wrapped store and opens them on the way out. Defaults carry no secrets and
// pass through.
type Encrypted struct {
	Store
	crypto crypto.Service
}

func NewEncrypted(inner Store, svc crypto.Service) *Encrypted {
	return &Encrypted{Store: inner, crypto: svc}
}

func (e *Encrypted) GetAll(ctx context.Context) (map[string]domain.CredentialRecord, error) {
	records, err := e.Store.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	opened := make(map[string]domain.CredentialRecord, len(records))
	for name, record := range records {
		if opened[name], err = e.open(record); err != nil {
			return nil, err
		}
	}
	return opened, nil
}

func (e *Encrypted) Get(ctx context.Context, name string) (domain.CredentialRecord, error) {
	record, err := e.Store.Get(ctx, name)
	if err != nil {
		return domain.CredentialRecord{}, err
	}
	return e.open(record)
}

func (e *Encrypted) Put(ctx context.Context, record domain.CredentialRecord) error {
	sealed, err := e.seal(record)
	if err != nil {
		return err
	}
	return e.Store.Put(ctx, sealed)
}

func secretFields(r *domain.CredentialRecord) []*string {
	return []*string{&r.ClientSecret, &r.AccessToken, &r.RefreshToken, &r.Password, &r.StreamKey, &r.Endpoint}
}

func (e *Encrypted) seal(record domain.CredentialRecord) (domain.CredentialRecord, error) {
	for _, field := range secretFields(&record) {
		ciphertext, err := e.crypto.Encrypt(*field)
		if err != nil {
			return domain.CredentialRecord{}, fmt.Errorf("failed to encrypt secrets for %q: %w", record.Name, err)
		}
		*field = ciphertext
	}
	return record, nil
}

func (e *Encrypted) open(record domain.CredentialRecord) (domain.CredentialRecord, error) {
	for _, field := range secretFields(&record) {
		plaintext, err := e.crypto.Decrypt(*field)
		if err != nil {
			return domain.CredentialRecord{}, fmt.Errorf("failed to decrypt secrets for %q: %w", record.Name, err)
		}
		*field = plaintext
	}
	return record, nil
}
