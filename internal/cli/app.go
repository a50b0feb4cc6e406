package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ppiankov/lineage/internal/cache"
	"github.com/ppiankov/lineage/internal/entity"
	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/orchestrator"
	"github.com/ppiankov/lineage/internal/privacy"
	"github.com/ppiankov/lineage/internal/resolve"
	"github.com/ppiankov/lineage/internal/source"
	"github.com/ppiankov/lineage/internal/store"
	"github.com/ppiankov/lineage/internal/verify"
)

// app is the engine wired from configuration
type app struct {
	cfg          *model.Config
	logger       *slog.Logger
	store        store.Store
	resolver     *entity.Resolver
	orchestrator *orchestrator.Orchestrator
	close        func() error
}

// appOptions are the command flags that shape wiring
type appOptions struct {
	corpus string // Corpus file or directory served by static adapters
}

func newLogger(cfg *model.Config) *slog.Logger {
	level := slog.LevelWarn
	if cfg.Output.Verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore opens the configured evidence store
func openStore(cfg model.StoreConfig, logger *slog.Logger) (store.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), func() error { return nil }, nil
	case "", "sqlite":
		var sealer store.Sealer
		if cfg.SealKey != "" {
			key, err := privacy.ParseKey(cfg.SealKey)
			if err != nil {
				return nil, nil, &model.ConfigError{Key: "store.seal_key", Reason: err.Error()}
			}
			sealer = privacy.NewSecretBox(key)
		}
		st, err := store.NewSQLiteStore(cfg.Path, sealer, logger)
		if err != nil {
			return nil, nil, &model.StorageFailure{Op: "open " + cfg.Path, Err: err}
		}
		return st, st.Close, nil
	default:
		return nil, nil, &model.ConfigError{Key: "store.driver", Reason: fmt.Sprintf("unknown driver %q (supported: sqlite, memory)", cfg.Driver)}
	}
}

// newRegistry registers the corpus adapters and, when a search URL is
// configured, the web adapter
func newRegistry(cfg *model.Config, opts appOptions) (*source.Registry, error) {
	reg, err := source.NewRegistry()
	if err != nil {
		return nil, err
	}
	if opts.corpus != "" {
		corpora, err := source.LoadCorpora(opts.corpus)
		if err != nil {
			return nil, err
		}
		for _, c := range corpora {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	if cfg.HTTP.SearchURL != "" {
		web := source.NewWeb(source.WebOptions{
			Name:      "web",
			Tier:      model.TierOpenWeb,
			SearchURL: cfg.HTTP.SearchURL,
			Compliance: source.Compliance{
				RobotsTxt: true,
				RateLimit: cfg.RateLimiting.RequestsPerSecond,
				Burst:     cfg.RateLimiting.BurstSize,
				CacheTTL:  cfg.Cache.DiskTTL,
			},
		}, source.NewWebClient(cfg.HTTP), cfg.HTTP)
		if err := reg.Register(web); err != nil {
			return nil, err
		}
	}
	if reg.Len() == 0 {
		return nil, &model.ConfigError{Key: "sources", Reason: "no sources: pass --corpus or set http.search_url"}
	}
	return reg, nil
}

// newApp wires the engine: store, sources behind the compliance gate and
// cache, verifier, resolution engine, entity resolver and orchestrator
func newApp(cfg *model.Config, opts appOptions) (*app, error) {
	logger := newLogger(cfg)

	reg, err := newRegistry(cfg, opts)
	if err != nil {
		return nil, err
	}
	verifier, err := verify.New(cfg.Verifier)
	if err != nil {
		return nil, err
	}
	st, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	robots := source.NewRobotsChecker(source.NewWebClient(cfg.HTTP), cfg.HTTP.UserAgent)
	limiter := source.NewLimiter(cfg.RateLimiting.RequestsPerSecond, cfg.RateLimiting.BurstSize)
	gate := source.NewGate(robots, limiter, cfg.HTTP.Blocked)
	client := source.NewClient(reg, gate, cache.New(cfg.Cache), source.NewClassifier(cfg.Evidence), logger)

	engine := resolve.NewEngine(st, cfg.Resolution, logger)
	classifier := privacy.NewClassifier(cfg.Privacy)
	resolver := entity.NewResolver(st, engine, classifier, cfg.Entity, logger)

	o := orchestrator.New(cfg, orchestrator.Deps{
		Store:      st,
		Sources:    client,
		Verifier:   verifier,
		Engine:     engine,
		Resolver:   resolver,
		Classifier: classifier,
		Logger:     logger,
	})
	return &app{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		resolver:     resolver,
		orchestrator: o,
		close:        closeStore,
	}, nil
}

// storeOnlyApp wires what read and review commands need; they never fetch
func storeOnlyApp(cfg *model.Config) (*app, error) {
	logger := newLogger(cfg)
	st, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	reg, err := source.NewRegistry()
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	engine := resolve.NewEngine(st, cfg.Resolution, logger)
	classifier := privacy.NewClassifier(cfg.Privacy)
	resolver := entity.NewResolver(st, engine, classifier, cfg.Entity, logger)
	o := orchestrator.New(cfg, orchestrator.Deps{
		Store:      st,
		Sources:    source.NewClient(reg, source.NewGate(nil, nil, nil), nil, source.NewClassifier(cfg.Evidence), logger),
		Engine:     engine,
		Resolver:   resolver,
		Classifier: classifier,
		Logger:     logger,
	})
	return &app{cfg: cfg, logger: logger, store: st, resolver: resolver, orchestrator: o, close: closeStore}, nil
}
