package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/Mindburn-Labs/permengine/pkg/api"
	"github.com/Mindburn-Labs/permengine/pkg/approval"
	"github.com/Mindburn-Labs/permengine/pkg/artifacts"
	"github.com/Mindburn-Labs/permengine/pkg/audit"
	"github.com/Mindburn-Labs/permengine/pkg/auth"
	"github.com/Mindburn-Labs/permengine/pkg/baseline"
	"github.com/Mindburn-Labs/permengine/pkg/config"
	"github.com/Mindburn-Labs/permengine/pkg/console"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/decision"
	"github.com/Mindburn-Labs/permengine/pkg/observability"
	"github.com/Mindburn-Labs/permengine/pkg/pep"
	"github.com/Mindburn-Labs/permengine/pkg/policystore"
	"github.com/Mindburn-Labs/permengine/pkg/risk"
	"github.com/Mindburn-Labs/permengine/pkg/store"
	"github.com/Mindburn-Labs/permengine/pkg/usage"
)

// app is the wired server. Close releases resources in reverse order of
// acquisition.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	policies  *policystore.Store
	source    policystore.Source
	enforcer  *pep.Enforcer
	tracker   *approval.Tracker
	server    *console.Server
	telemetry *observability.Provider
	closers   []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close runs every registered closer even if some fail.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Handler returns the HTTP API.
func (a *app) Handler() http.Handler { return a.server.Handler() }

// buildApp wires every component named by cfg. Audit events also go to
// auditOut when cfg.Audit.Stdout is set. On error everything acquired so
// far is released.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, auditOut io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	dbs := map[string]*sql.DB{}
	openDB := func(url string) (*sql.DB, error) {
		if db, ok := dbs[url]; ok {
			return db, nil
		}
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		dbs[url] = db
		a.onClose(func(context.Context) error { return db.Close() })
		return db, nil
	}

	// Policy
	if err := a.loadPolicy(ctx, openDB); err != nil {
		return nil, err
	}

	// Risk model
	model := risk.DefaultModel()
	var scorerOpts []risk.Option
	if path := cfg.Risk.ModelPath; path != "" {
		if model, err = risk.LoadModelFile(path); err != nil {
			return nil, err
		}
		adj, err := model.LoadAdjuster(ctx, filepath.Dir(path))
		if err != nil {
			return nil, err
		}
		if adj != nil {
			scorerOpts = append(scorerOpts, risk.WithAdjuster(adj))
			a.onClose(adj.Close)
			logger.Info("risk adjuster loaded", "module", model.Adjuster)
		}
	}
	engine := decision.NewEngine(risk.NewScorer(model, scorerOpts...),
		decision.WithTimeout(cfg.Risk.DecisionTimeout),
		decision.WithLogger(logger),
	)

	// Audit
	emitter := audit.NewEmitter(model, logger)
	chain, err := a.openChain()
	if err != nil {
		return nil, err
	}
	emitter.AddSink("chain", audit.NewStoreSink(chain), true)
	if cfg.Audit.Stdout && auditOut != nil {
		emitter.AddSink("stdout", audit.NewJSONLinesSink(auditOut), false)
	}
	var events audit.Querier = chain
	if dsn := cfg.Audit.SQLiteDSN; dsn != "" {
		sqlite, err := store.OpenSQLiteEventStore(dsn)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return sqlite.Close() })
		emitter.AddSink("sqlite", sqlite, false)
		events = sqlite
	}

	// Enforcement
	a.enforcer = pep.NewEnforcer(a.policies, engine, emitter, logger)
	baselines, counters, err := a.behaviourStores(ctx)
	if err != nil {
		return nil, err
	}
	updater := baseline.NewUpdater(baselines, nil, logger)
	a.onClose(updater.Close)
	a.enforcer.SetBaselines(baselines, updater)
	a.enforcer.SetUsage(counters)

	tcfg := observability.DefaultConfig()
	tcfg.Enabled = cfg.Telemetry.Enabled
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.Insecure = cfg.Telemetry.Insecure
	tcfg.SampleRate = cfg.Telemetry.SampleRate
	if a.telemetry, err = observability.New(ctx, tcfg); err != nil {
		return nil, err
	}
	a.onClose(a.telemetry.Shutdown)
	a.enforcer.SetTelemetry(a.telemetry)
	slo := observability.NewSLOTracker(observability.DecisionSLO(cfg.Risk.DecisionTimeout))
	a.enforcer.SetSLO(slo)

	// Approvals
	var chains approval.Store = approval.NewMemoryStore()
	if url := cfg.Approval.DatabaseURL; url != "" {
		db, err := openDB(url)
		if err != nil {
			return nil, err
		}
		chains = approval.NewPostgresStore(db)
	}
	a.tracker = approval.NewTracker(chains, a.activate, logger).
		WithDefaultTTL(cfg.Approval.TTL).
		WithValidator(a.policies.CheckProvisioning)

	// Evidence
	evidence, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}

	// HTTP
	metrics := api.NewMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}
	var validator *auth.JWTValidator
	if cfg.Server.JWTSecret != "" {
		if validator, err = auth.NewJWTValidator(cfg.Server.JWTSecret); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("server.jwt_secret not set; approval endpoints reject every call")
	}

	a.server = console.New(console.Config{
		Enforcer:    a.enforcer,
		Policies:    a.policies,
		Tracker:     a.tracker,
		Events:      events,
		Evidence:    evidence,
		SLO:         slo,
		Metrics:     metrics,
		Gatherer:    reg,
		Validator:   validator,
		RateLimit:   cfg.Server.RateLimit,
		Burst:       cfg.Server.Burst,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})
	a.onClose(func(context.Context) error { a.server.Close(); return nil })
	return a, nil
}

// loadPolicy publishes the first snapshot. An empty Postgres source is
// seeded from the bundle file when one is configured.
func (a *app) loadPolicy(ctx context.Context, openDB func(string) (*sql.DB, error)) error {
	cfg := a.cfg.Policy
	if cfg.DatabaseURL == "" {
		a.source = policystore.FileSource{Path: cfg.BundlePath}
		a.policies = policystore.NewStore(policystore.WithLogger(a.logger))
		_, err := a.policies.Load(ctx, a.source)
		return err
	}

	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	src := policystore.NewPostgresSource(db)
	a.source = src
	a.policies = policystore.NewStore(policystore.WithLogger(a.logger), policystore.WithSaver(src))

	_, err = a.policies.Load(ctx, src)
	if !errors.Is(err, policystore.ErrNoBundle) || cfg.BundlePath == "" {
		return err
	}
	b, err := policystore.LoadBundleFile(cfg.BundlePath)
	if err != nil {
		return err
	}
	if err := src.Save(ctx, b); err != nil {
		return err
	}
	a.logger.Info("policy database seeded from bundle file", "path", cfg.BundlePath, "version", b.Version)
	_, err = a.policies.Publish(b)
	return err
}

// Reload republishes the bundle from its source.
func (a *app) Reload(ctx context.Context) error {
	_, err := a.policies.Load(ctx, a.source)
	return err
}

// openChain opens the file-backed audit chain, or an in-memory chain when
// no path is configured.
func (a *app) openChain() (*store.AuditStore, error) {
	cfg := a.cfg.Audit
	if cfg.ChainPath == "" {
		secret := []byte(cfg.Secret)
		if len(secret) < config.MinSecretLen {
			secret = make([]byte, config.MinSecretLen)
			if _, err := rand.Read(secret); err != nil {
				return nil, fmt.Errorf("generate audit secret: %w", err)
			}
		}
		key, err := store.DeriveMACKey(secret)
		if err != nil {
			return nil, err
		}
		a.logger.Warn("audit.chain_path not set; the audit chain is kept in memory only")
		return store.NewAuditStore(key), nil
	}

	key, err := store.DeriveMACKey([]byte(cfg.Secret))
	if err != nil {
		return nil, err
	}
	chain, closer, err := store.OpenAuditFile(cfg.ChainPath, key)
	if err != nil {
		return nil, fmt.Errorf("open audit chain %s: %w", cfg.ChainPath, err)
	}
	a.onClose(func(context.Context) error { return closer.Close() })
	a.logger.Info("audit chain opened", "path", cfg.ChainPath, "entries", chain.Size(), "head", chain.Head())
	return chain, nil
}

// behaviourStores returns Redis-backed baseline and usage stores when Redis
// is configured, in-memory ones otherwise.
func (a *app) behaviourStores(ctx context.Context) (baseline.Store, usage.Store, error) {
	cfg := a.cfg.Redis
	if cfg.Addr == "" {
		return baseline.NewMemoryStore(), usage.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	a.onClose(func(context.Context) error { return client.Close() })
	return baseline.NewRedisStore(client, cfg.BaselineTTL), usage.NewRedisStore(client), nil
}

// activate applies an approved provisioning request to the policy.
func (a *app) activate(ctx context.Context, req contracts.ProvisioningRequest) error {
	snap, err := a.policies.ApplyProvisioning(ctx, req)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "provisioning applied",
		"request_id", req.ID,
		"user_id", req.Principal.UserID,
		"panel_id", req.PanelID,
		"policy_version", snap.Version,
	)
	return nil
}
