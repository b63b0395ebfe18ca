package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zalando/go-keyring"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/ai"
	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/dispatcher"
	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/ledger"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/metrics"
	"github.com/rendis/autoflow/internal/panel"
	"github.com/rendis/autoflow/internal/secrets"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/tracing"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// app carries what every command shares: the resolved configuration, the
// logger and, once opened, the store.
type app struct {
	dir    string
	getenv func(string) string

	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger
	store  *store.LibSQLStore
	asJSON bool

	traces    *tracing.Provider
	traceFile *os.File
}

func newApp() *app {
	return &app{dir: autoflowDir(), getenv: os.Getenv, level: new(slog.LevelVar)}
}

func (a *app) setupLogger(w io.Writer) {
	a.level.Set(logging.ParseLevel(a.cfg.LogLevel))
	opts := &slog.HandlerOptions{Level: a.level}
	var inner slog.Handler = slog.NewTextHandler(w, opts)
	if a.cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(w, opts)
	}
	a.logger = slog.New(logging.NewCorrelationHandler(inner))
}

// openStore opens and migrates the database. Safe to call more than once.
func (a *app) openStore(ctx context.Context) (*store.LibSQLStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + a.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	a.store = s
	return s, nil
}

func (a *app) close() error {
	var errs []error
	if a.traces != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.traces.Shutdown(ctx))
		cancel()
		a.traces = nil
	}
	if a.traceFile != nil {
		errs = append(errs, a.traceFile.Close())
		a.traceFile = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}

// tracer opens the span exporter when trace_file is set. "-" writes spans
// to stderr. Without it the engine records no spans.
func (a *app) tracer() (*tracing.Provider, error) {
	if a.traces != nil || a.cfg.TraceFile == "" {
		return a.traces, nil
	}
	var w io.Writer = os.Stderr
	if a.cfg.TraceFile != "-" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.TraceFile), 0o755); err != nil {
			return nil, fmt.Errorf("create trace dir: %w", err)
		}
		f, err := os.OpenFile(a.cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.traceFile = f
		w = f
	}
	p, err := tracing.NewProvider(tracing.Config{Writer: w, ServiceVersion: version})
	if err != nil {
		return nil, err
	}
	a.traces = p
	return p, nil
}

// vault opens the secrets vault. It returns nil when no key or passphrase
// is configured.
func (a *app) vault(ctx context.Context) (*secrets.Vault, error) {
	if !a.cfg.secretsConfigured() {
		return nil, nil
	}
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	var vc secrets.VaultConfig
	switch {
	case a.cfg.SecretsKey != "":
		if vc.MasterKey, err = a.cfg.secretsKey(); err != nil {
			return nil, err
		}
	case a.cfg.SecretsKeyring:
		if vc.MasterKey, err = keyringKey(); err != nil {
			return nil, err
		}
	default:
		vc.Passphrase = a.cfg.SecretsPassphrase
		if vc.Salt, err = loadOrCreateSalt(filepath.Join(a.dir, "vault.salt")); err != nil {
			return nil, err
		}
	}
	return secrets.NewVault(s, vc)
}

const (
	keyringService = "autoflow"
	keyringUser    = "secrets-key"
)

// keyringKey loads the vault key from the OS keychain, creating one on
// first use.
func keyringKey() ([]byte, error) {
	stored, err := keyring.Get(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		key := make([]byte, secrets.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate secrets key: %w", err)
		}
		if err := keyring.Set(keyringService, keyringUser, hex.EncodeToString(key)); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "store secrets key in keychain: %s", err.Error()).WithCause(err)
		}
		return key, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read secrets key from keychain: %s", err.Error()).WithCause(err)
	}
	key, err := hex.DecodeString(stored)
	if err != nil || len(key) != secrets.KeySize {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "secrets key in keychain is not a hex 32-byte key")
	}
	return key, nil
}

// loadOrCreateSalt reads the passphrase salt, writing a random one on first use.
func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create salt dir: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// actionRegistry builds the registry with the builtin actions. A nil vault
// leaves webhook secret_ref unavailable.
func (a *app) actionRegistry(schemas *validation.SchemaValidator, vault *secrets.Vault) (*actions.Registry, error) {
	var cfg actions.WebhookConfig
	if vault != nil {
		cfg.Secrets = vault
	}
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, a.logger, schemas, cfg); err != nil {
		return nil, err
	}
	a.logger.Debug("action registry ready", "actions", reg.Count(), "webhook_secrets", vault != nil)
	return reg, nil
}

// runtime is the wired engine: ledger, runner, dispatcher and metrics.
type runtime struct {
	hub        *streaming.MemoryHub
	ledger     *ledger.Ledger
	actions    *actions.Registry
	runner     *engine.Runner
	dispatcher *dispatcher.Dispatcher
	registry   *prometheus.Registry
}

func (a *app) buildRuntime(ctx context.Context) (*runtime, error) {
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	tick, err := a.cfg.tickInterval()
	if err != nil {
		return nil, err
	}

	rt := &runtime{hub: streaming.NewMemoryHub(), registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.ledger = ledger.New(s, a.logger, ledger.WithHub(rt.hub))

	schemas, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	vault, err := a.vault(ctx)
	if err != nil {
		return nil, err
	}
	if rt.actions, err = a.actionRegistry(schemas, vault); err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	completer := ai.Unavailable
	if a.cfg.CompletionURL != "" {
		completer = ai.NewHTTPCompleter(ai.HTTPConfig{URL: a.cfg.CompletionURL, APIKey: a.cfg.CompletionAPIKey})
	}
	completer = ai.NewGuard(completer, ai.GuardConfig{RatePerSecond: a.cfg.AIRateLimit, Burst: a.cfg.AIBurst})

	breakers := engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig())
	collector := metrics.New(rt.registry)
	rt.ledger.FSM().OnTransition(collector.LogTransition)
	traces, err := a.tracer()
	if err != nil {
		return nil, err
	}

	rt.runner, err = engine.NewRunner(engine.RunnerConfig{
		Workflows: s,
		Ledger:    rt.ledger,
		Executors: map[schema.StepType]engine.StepExecutor{
			schema.StepTypeAIPrompt:  engine.NewAIExecutor(s, completer, breakers, schemas),
			schema.StepTypeCondition: engine.NewConditionExecutor(conditions.NewEvaluator(expressions.NewSet(cel, expressions.NewExprEngine()))),
			schema.StepTypeAction:    engine.NewActionExecutor(rt.actions, breakers),
		},
		Logger:   a.logger,
		Observer: collector,
		Tracer:   traces.Tracer(),
	})
	if err != nil {
		return nil, err
	}

	rt.dispatcher, err = dispatcher.New(dispatcher.Config{
		Store:        s,
		Runner:       rt.runner,
		OpenRuns:     rt.ledger,
		Pool:         engine.NewWorkerPool(a.cfg.PoolSize, a.cfg.QueueSize, a.logger),
		Hub:          rt.hub,
		Logger:       a.logger,
		Observer:     collector,
		TickInterval: tick,
	})
	if err != nil {
		return nil, err
	}
	metrics.RegisterPool(rt.registry, rt.dispatcher.PoolMetrics)
	metrics.RegisterHub(rt.registry, rt.hub)
	return rt, nil
}

// httpHandler serves the operator API when the panel is enabled, and only
// the metrics endpoint otherwise.
func (a *app) httpHandler(rt *runtime, panelEnabled bool) http.Handler {
	if panelEnabled {
		return panel.NewServer(panel.Deps{
			Store:      a.store,
			Ledger:     rt.ledger,
			Dispatcher: rt.dispatcher,
			Hub:        rt.hub,
			Gatherer:   rt.registry,
			Logger:     a.logger,
			Now:        time.Now,
		}).Handler()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	return mux
}
