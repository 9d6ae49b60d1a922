package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Factory opens sessions against one store and metamodel.
type Factory struct {
	store     types.Store
	metamodel *types.Metamodel
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger handed to sessions. The default discards
// everything.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithMetrics sets the collectors sessions record to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) {
		f.metrics = m
	}
}

// NewFactory returns a Factory. Every relationship target in mm must be a
// registered kind.
func NewFactory(store types.Store, mm *types.Metamodel, opts ...Option) (*Factory, error) {
	if store == nil {
		return nil, fmt.Errorf("session factory: nil store")
	}
	if mm == nil {
		return nil, fmt.Errorf("session factory: nil metamodel")
	}
	if err := mm.CheckTargets(); err != nil {
		return nil, err
	}
	f := &Factory{store: store, metamodel: mm, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Metamodel returns the metamodel sessions use.
func (f *Factory) Metamodel() *types.Metamodel {
	return f.metamodel
}

// Open begins a storage transaction and returns a session bound to it. The
// caller must Close the session.
func (f *Factory) Open(ctx context.Context) (*Session, error) {
	tx, err := f.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	f.metrics.SessionOpened()
	return newSession(tx, f.metamodel, f.logger, f.metrics), nil
}

// Run opens a session, calls fn, and commits if fn succeeds. The session is
// rolled back if fn returns an error or panics, and is always closed.
func (f *Factory) Run(ctx context.Context, fn func(s *Session) error) error {
	s, err := f.Open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	defer func() {
		if p := recover(); p != nil {
			_ = s.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(s); err != nil {
		if rbErr := s.Rollback(ctx); rbErr != nil {
			f.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return s.Commit(ctx)
}
