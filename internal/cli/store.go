package cli

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/internal/session"
	"github.com/mesh-intelligence/larder/internal/sqlite"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// env is what a data command works with: an attached store and a session
// factory over the configured metamodel.
type env struct {
	settings *settings
	logger   *zap.Logger
	store    *sqlite.Backend
	factory  *session.Factory
	registry *prometheus.Registry
}

// openEnv loads settings, attaches the store and builds the factory. The
// caller must call close.
func openEnv(flags *rootFlags) (*env, error) {
	st, err := loadSettings(flags)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(st.file.LogLevel, flags.verbose)
	if err != nil {
		return nil, err
	}
	mm, err := st.metamodel()
	if err != nil {
		return nil, err
	}

	store := sqlite.NewBackend(sqlite.WithLogger(logger))
	if err := store.Attach(st.store); err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	factory, err := session.NewFactory(store, mm,
		session.WithLogger(logger),
		session.WithMetrics(metrics.New(registry)),
	)
	if err != nil {
		return nil, errors.Join(err, store.Detach())
	}
	return &env{settings: st, logger: logger, store: store, factory: factory, registry: registry}, nil
}

// close detaches the store and logs the command's session metrics at debug
// level.
func (e *env) close() error {
	err := e.store.Detach()
	logMetrics(e.logger, e.registry)
	_ = e.logger.Sync()
	return err
}

// logMetrics writes one debug entry per gathered sample.
func logMetrics(logger *zap.Logger, g prometheus.Gatherer) {
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	families, err := g.Gather()
	if err != nil {
		logger.Warn("gathering metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			fields := []zap.Field{zap.String("metric", mf.GetName())}
			for _, lp := range m.GetLabel() {
				fields = append(fields, zap.String(lp.GetName(), lp.GetValue()))
			}
			switch {
			case m.GetCounter() != nil:
				fields = append(fields, zap.Float64("value", m.GetCounter().GetValue()))
			case m.GetGauge() != nil:
				fields = append(fields, zap.Float64("value", m.GetGauge().GetValue()))
			case m.GetHistogram() != nil:
				fields = append(fields,
					zap.Uint64("count", m.GetHistogram().GetSampleCount()),
					zap.Float64("sum", m.GetHistogram().GetSampleSum()))
			}
			logger.Debug("metric", fields...)
		}
	}
}

// run opens the environment, runs fn in a session scope that commits on
// success, and closes again.
func run(ctx context.Context, flags *rootFlags, fn func(e *env, s *session.Session) error) (err error) {
	e, err := openEnv(flags)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.close())
	}()
	return e.factory.Run(ctx, func(s *session.Session) error {
		return fn(e, s)
	})
}

// dryRun is like run but always rolls the session back.
func dryRun(ctx context.Context, flags *rootFlags, fn func(e *env, s *session.Session) error) (err error) {
	e, err := openEnv(flags)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.close())
	}()
	s, err := e.factory.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()
	return fn(e, s)
}

// resolveGraph loads every collection reachable from e so the whole owned
// graph can be written out before the session closes.
func resolveGraph(e *types.Entity, visited map[*types.Entity]bool) error {
	if visited[e] {
		return nil
	}
	visited[e] = true
	for _, name := range e.CollectionNames() {
		items, err := e.Collection(name).Items()
		if err != nil {
			return err
		}
		for _, child := range items {
			if err := resolveGraph(child, visited); err != nil {
				return err
			}
		}
	}
	return nil
}
