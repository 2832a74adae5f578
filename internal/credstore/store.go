package credstore

import "github.com/moralrecordings/mrstream/internal/domain"

// Store is a complete credential backend.
type Store interface {
	domain.CredentialStore
	domain.DefaultsStore
	Close() error
}
