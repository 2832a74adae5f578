package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/platform/correlation"
)

var (
	ErrNoEnabledServices = errors.New("no enabled service")
	ErrUnsupported       = errors.New("not supported by this platform")
)

// Store is the persistence the stream service needs.
type Store interface {
	domain.CredentialStore
	domain.DefaultsStore
}

type categorySearcher interface {
	SearchCategories(ctx context.Context, s domain.Session, query string) ([]domain.Category, error)
}

type archiveLister interface {
	PastBroadcasts(ctx context.Context, s domain.Session) ([]domain.PastBroadcast, error)
}

type Service struct {
	store     Store
	sessions  domain.SessionProvider
	platforms map[domain.Kind]domain.Platform
	pushFile  string
	out       io.Writer
}

// NewService wires the stream operations. Progress lines go to out. An empty
// pushFile disables writing the nginx config after create.
func NewService(store Store, sessions domain.SessionProvider, platforms map[domain.Kind]domain.Platform, pushFile string, out io.Writer) *Service {
	return &Service{
		store:     store,
		sessions:  sessions,
		platforms: platforms,
		pushFile:  pushFile,
		out:       out,
	}
}

// Create starts a broadcast on every enabled service. A failing service does
// not stop the others; all failures are returned joined.
func (s *Service) Create(ctx context.Context, params domain.BroadcastParams) error {
	params, err := s.withDefaults(ctx, params)
	if err != nil {
		return err
	}

	err = s.forEachEnabled(ctx, func(ctx context.Context, session domain.Session, p domain.Platform) error {
		fmt.Fprintf(s.out, "Creating stream on %s...\n", session.Service)

		b, err := p.CreateBroadcast(ctx, session, params)
		if err != nil {
			return err
		}
		ep, err := p.FetchEndpoint(ctx, session, b.ID)
		if err != nil {
			return err
		}
		if err := s.store.Put(ctx, session.Record.WithBroadcast(b, ep)); err != nil {
			return err
		}

		slog.InfoContext(ctx, "Broadcast created", "broadcast_id", b.ID)
		fmt.Fprintf(s.out, "%s: %s\n", session.Service, b.ViewerURL)
		return nil
	})

	if s.pushFile != "" {
		if perr := s.WritePushConfig(ctx); perr != nil {
			err = errors.Join(err, perr)
		}
	}
	return err
}

// Update changes the running broadcast on every enabled service.
func (s *Service) Update(ctx context.Context, params domain.BroadcastParams) error {
	return s.forEachEnabled(ctx, func(ctx context.Context, session domain.Session, p domain.Platform) error {
		if err := p.UpdateBroadcast(ctx, session, params); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Updated stream on %s\n", session.Service)
		return nil
	})
}

// Categories searches with the first enabled service that supports it.
func (s *Service) Categories(ctx context.Context, query string) ([]domain.Category, error) {
	names, records, err := s.enabled(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		searcher, ok := s.platforms[records[name].Kind].(categorySearcher)
		if !ok {
			continue
		}
		session, err := s.sessions.EnsureSession(ctx, name)
		if err != nil {
			return nil, err
		}
		return searcher.SearchCategories(correlation.WithService(ctx, name), session, query)
	}
	return nil, fmt.Errorf("category search: %w", ErrUnsupported)
}

// Videos lists the past broadcasts of one service.
func (s *Service) Videos(ctx context.Context, name string) ([]domain.PastBroadcast, error) {
	record, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	lister, ok := s.platforms[record.Kind].(archiveLister)
	if !ok {
		return nil, fmt.Errorf("past broadcasts on %s: %w", record.Kind, ErrUnsupported)
	}
	session, err := s.sessions.EnsureSession(ctx, name)
	if err != nil {
		return nil, err
	}
	return lister.PastBroadcasts(correlation.WithService(ctx, name), session)
}

// WritePushConfig writes the nginx push file from the stored endpoints.
func (s *Service) WritePushConfig(ctx context.Context) error {
	if s.pushFile == "" {
		return errors.New("no nginx push file configured")
	}
	records, err := s.store.GetAll(ctx)
	if err != nil {
		return err
	}
	if err := WritePushConfig(s.pushFile, records); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Nginx push config written", "path", s.pushFile)
	return nil
}

func (s *Service) withDefaults(ctx context.Context, params domain.BroadcastParams) (domain.BroadcastParams, error) {
	defaults, err := s.store.GetDefaults(ctx)
	if err != nil {
		return params, fmt.Errorf("failed to load broadcast defaults: %w", err)
	}
	return params.Apply(defaults), nil
}

func (s *Service) enabled(ctx context.Context) ([]string, map[string]domain.CredentialRecord, error) {
	records, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(records))
	for name, r := range records {
		if r.Enabled {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, nil, ErrNoEnabledServices
	}
	sort.Strings(names)
	return names, records, nil
}

// forEachEnabled runs fn for each enabled service in name order, with a fresh
// session. Services are handled one at a time since authorization may prompt.
func (s *Service) forEachEnabled(ctx context.Context, fn func(context.Context, domain.Session, domain.Platform) error) error {
	names, records, err := s.enabled(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range names {
		sctx := correlation.WithService(ctx, name)
		p, ok := s.platforms[records[name].Kind]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: no platform for kind %q", name, records[name].Kind))
			continue
		}

		session, err := s.sessions.EnsureSession(sctx, name)
		if err == nil {
			err = fn(sctx, session, p)
		}
		if err != nil {
			slog.ErrorContext(sctx, "Stream operation failed", "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
