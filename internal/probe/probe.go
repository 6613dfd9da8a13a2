// Package probe discovers which agent engines are usable on this host and
// what models they offer.
package probe

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/executor"
	"github.com/devboard/devboard/internal/store"
)

const (
	// DefaultEngineTimeout bounds each engine's live probe.
	DefaultEngineTimeout = 15 * time.Second

	// cacheTTL is how long a probe result stays fresh in memory.
	cacheTTL = 5 * time.Minute

	cacheKey   = "probe.engines"
	settingKey = "probe.engines"
)

// EngineStatus is the probe result for one engine.
type EngineStatus struct {
	Availability executor.Availability `json:"availability"`
	Models       []executor.ModelInfo  `json:"models,omitempty"`
	DefaultModel string                `json:"default_model,omitempty"`
	ProbedAt     time.Time             `json:"probed_at"`
}

// Result maps engine type to its probe status.
type Result map[string]EngineStatus

// Prober resolves engine availability through three layers: memory cache,
// persisted KV, live probe.
type Prober struct {
	registry *executor.Registry
	store    *store.Store
	cache    *gocache.Cache
	logger   *logger.Logger

	engineTimeout time.Duration
}

// New creates a prober.
func New(registry *executor.Registry, st *store.Store, log *logger.Logger) *Prober {
	return &Prober{
		registry:      registry,
		store:         st,
		cache:         gocache.New(cacheTTL, 10*time.Minute),
		logger:        log.WithFields(zap.String("component", "probe")),
		engineTimeout: DefaultEngineTimeout,
	}
}

// Engines returns probe results, preferring the memory cache, then the
// persisted KV, then a live probe.
func (p *Prober) Engines(ctx context.Context) (Result, error) {
	if cached, ok := p.cache.Get(cacheKey); ok {
		if result, ok := cached.(Result); ok {
			return result, nil
		}
	}

	var persisted Result
	if err := p.store.GetSettingJSON(ctx, settingKey, &persisted); err == nil && len(persisted) > 0 {
		p.cache.Set(cacheKey, persisted, cacheTTL)
		return persisted, nil
	}

	return p.ForceProbe(ctx)
}

// ForceProbe bypasses both caches, probes every registered engine in
// parallel and writes the result back.
func (p *Prober) ForceProbe(ctx context.Context) (Result, error) {
	executors := p.registry.All()
	statuses := make([]EngineStatus, len(executors))

	g, gctx := errgroup.WithContext(ctx)
	for i, exec := range executors {
		i, exec := i, exec
		g.Go(func() error {
			statuses[i] = p.probeOne(gctx, exec)
			return nil
		})
	}
	// probeOne never returns an error; a failing engine yields a safe
	// unavailable record.
	_ = g.Wait()

	result := make(Result, len(executors))
	for i, exec := range executors {
		result[exec.Type()] = statuses[i]
	}

	p.cache.Set(cacheKey, result, cacheTTL)
	if err := p.store.SetSettingJSON(ctx, settingKey, result); err != nil {
		p.logger.Warn("failed to persist probe result", zap.Error(err))
	}
	return result, nil
}

func (p *Prober) probeOne(ctx context.Context, exec executor.Executor) (status EngineStatus) {
	ctx, cancel := context.WithTimeout(ctx, p.engineTimeout)
	defer cancel()

	status = EngineStatus{ProbedAt: time.Now().UTC()}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("engine probe panicked",
				zap.String("engine", exec.Type()), zap.Any("panic", r))
			status.Availability = executor.Availability{
				EngineType: exec.Type(),
				Available:  false,
				Reason:     "probe panicked",
			}
		}
	}()

	status.Availability = exec.Availability(ctx)
	if !status.Availability.Available {
		return status
	}

	models, err := exec.Models(ctx)
	if err != nil {
		p.logger.Warn("model listing failed",
			zap.String("engine", exec.Type()), zap.Error(err))
	} else {
		status.Models = models
	}
	status.DefaultModel = exec.DefaultModel()
	return status
}
