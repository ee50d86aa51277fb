// Package studio is the application handle. It owns the telemetry, chat and
// dataflow bridges and their pollers, and is driven by a single frame loop.
//
// Open wires the collaborators from configuration; the bridges start lazily on
// first use. Every method except Shutdown must be called from the frame loop
// goroutine.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/instantcocoa/dorastudio/pkg/bridge"
	"github.com/instantcocoa/dorastudio/pkg/cache"
	"github.com/instantcocoa/dorastudio/pkg/config"
	"github.com/instantcocoa/dorastudio/pkg/database"
	"github.com/instantcocoa/dorastudio/services/chat"
	"github.com/instantcocoa/dorastudio/services/dataflow"
	"github.com/instantcocoa/dorastudio/services/observe"
	"github.com/instantcocoa/dorastudio/services/observe/signoz"
	"github.com/instantcocoa/dorastudio/services/runtime"
)

// DefaultName names the process-wide studio handle.
const DefaultName = "studio"

var (
	// ErrAlreadyOpen is returned by Open while a handle with the same name is live.
	ErrAlreadyOpen = errors.New("studio already open")

	// ErrChatDisabled is returned by Chat when no chat key is configured.
	ErrChatDisabled = errors.New("chat is disabled: OPENAI_API_KEY is not set")
)

// Options configures Open. Zero fields are built from Config.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Tracer trace.Tracer

	// Name prefixes the bridge names. Defaults to DefaultName.
	Name string

	// HTTPClient, when set, carries both telemetry and chat traffic.
	HTTPClient signoz.HTTPDoer

	Backend    observe.Backend
	CacheStore cache.Store
	Completer  chat.Completer
	Store      chat.Store
	Controller dataflow.Controller
}

// Studio is the live application handle.
type Studio struct {
	name    string
	cfg     *config.Config
	logger  *slog.Logger
	tracer  trace.Tracer
	closers []func() error

	backend  observe.Backend
	observe  *observe.ObserveService
	engine   *chat.Engine
	dataflow *dataflow.Service

	mu        sync.Mutex
	closed    bool
	status    ConnectionStatus
	checking  bool
	refreshes []func(now time.Time)

	telemetry *lane[observe.Request, observe.Result]
	chat      *lane[chat.Turn, chat.Reply]
	flows     *lane[dataflow.Request, dataflow.Result]
	retiring  []retiree
	restarts  map[string]int
}

var live = struct {
	sync.Mutex
	names map[string]struct{}
}{names: make(map[string]struct{})}

// Open builds the studio handle. It fails if a handle with the same name has
// not been shut down.
func Open(ctx context.Context, opts Options) (*Studio, error) {
	if opts.Config == nil {
		return nil, errors.New("studio: config is required")
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	live.Lock()
	if _, ok := live.names[opts.Name]; ok {
		live.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, opts.Name)
	}
	live.names[opts.Name] = struct{}{}
	live.Unlock()

	s := &Studio{
		name:     opts.Name,
		cfg:      opts.Config,
		logger:   opts.Logger.With("component", "studio"),
		tracer:   opts.Tracer,
		restarts: make(map[string]int),
	}
	if err := s.wire(ctx, opts); err != nil {
		s.closeResources()
		s.release()
		return nil, err
	}

	s.logger.InfoContext(ctx, "studio opened",
		"backend", s.backend.Name(),
		"auth", opts.Config.SigNozAuthMode(),
		"chat_enabled", s.engine != nil,
		"cache_enabled", opts.Config.CacheEnabled,
		"storage", opts.Config.StorageBackend,
	)
	return s, nil
}

func (s *Studio) wire(ctx context.Context, opts Options) error {
	backend, err := s.buildBackend(ctx, opts)
	if err != nil {
		return err
	}
	s.backend = backend
	s.observe = observe.NewObserveService(backend, s.logger)

	controller := opts.Controller
	if controller == nil {
		controller = dataflow.NewCLIController(s.cfg.DoraBin, dataflow.WithLogger(s.logger))
	}
	s.dataflow = dataflow.NewService(controller, s.logger)

	completer := opts.Completer
	if completer == nil && s.cfg.ChatEnabled() {
		completer = s.buildRuntime(opts)
	}
	if completer != nil {
		store, err := s.buildStore(ctx, opts)
		if err != nil {
			return err
		}
		tools := chat.NewRegistry()
		if err := dataflow.RegisterTools(tools, controller); err != nil {
			return err
		}
		if err := tools.Register(observe.QueryTracesTool(backend)); err != nil {
			return err
		}
		s.engine = chat.NewEngine(completer, tools, chat.Options{
			Model:        s.cfg.ChatModel,
			SystemPrompt: chat.DefaultSystemPrompt,
			LoopLimit:    s.cfg.ChatLoopLimit,
			Store:        store,
			Logger:       s.logger,
			Tracer:       s.tracer,
		})
	}
	return nil
}

// buildBackend returns the SigNoz adapter, wrapped in a query cache when enabled.
func (s *Studio) buildBackend(ctx context.Context, opts Options) (observe.Backend, error) {
	backend := opts.Backend
	if backend == nil {
		sigOpts := []signoz.Option{signoz.WithLogger(s.logger)}
		if opts.HTTPClient != nil {
			sigOpts = append(sigOpts, signoz.WithHTTPClient(opts.HTTPClient))
		}
		b, err := signoz.New(signoz.Config{
			BaseURL: s.cfg.SigNozBaseURL,
			Auth:    authMethod(s.cfg),
			Timeout: s.cfg.SigNozTimeout,
		}, sigOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry backend: %w", err)
		}
		backend = b
	}

	if !s.cfg.CacheEnabled {
		return backend, nil
	}
	store := opts.CacheStore
	if store == nil {
		client, err := cache.Connect(ctx, &cache.Config{URL: s.cfg.RedisURL})
		if err != nil {
			// Run uncached when Redis is down.
			s.logger.WarnContext(ctx, "query cache unavailable", "error", err)
			return backend, nil
		}
		client.WithLogger(s.logger).WithKeyPrefix(s.name)
		s.closers = append(s.closers, client.Close)
		store = client
	}
	return observe.NewCachedBackend(backend, store, s.cfg.CacheTTL), nil
}

func (s *Studio) buildRuntime(opts Options) *runtime.Gateway {
	var providerOpts []runtime.OpenAIOption
	if s.cfg.OpenAIBaseURL != "" {
		providerOpts = append(providerOpts, runtime.WithOpenAIBaseURL(s.cfg.OpenAIBaseURL))
	}
	if opts.HTTPClient != nil {
		providerOpts = append(providerOpts, runtime.WithOpenAIHTTPClient(opts.HTTPClient))
	}

	registry := runtime.NewRegistry()
	registry.Register(runtime.NewOpenAIProvider(s.cfg.OpenAIAPIKey, providerOpts...))
	return runtime.NewGateway(registry, s.logger)
}

func (s *Studio) buildStore(ctx context.Context, opts Options) (chat.Store, error) {
	if opts.Store != nil {
		return opts.Store, nil
	}
	if !s.cfg.UsePostgresStorage() {
		return chat.NewStore(chat.StoreOptions{Backend: config.StorageMemory})
	}

	db, err := database.Connect(ctx, database.FromConfig(s.cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect transcript database: %w", err)
	}
	db.WithLogger(s.logger)
	s.closers = append(s.closers, db.Close)

	if err := chat.Migrate(ctx, db, s.logger); err != nil {
		return nil, fmt.Errorf("failed to migrate transcript database: %w", err)
	}
	return chat.NewStore(chat.StoreOptions{Backend: config.StoragePostgres, DB: db.DB})
}

// authMethod selects the SigNoz auth variant in precedence order api key,
// bearer token, credentials.
func authMethod(cfg *config.Config) signoz.AuthMethod {
	switch cfg.SigNozAuthMode() {
	case "api_key":
		return signoz.APIKeyHeader(cfg.SigNozAPIKeyHeader, cfg.SigNozAPIKey)
	case "bearer":
		return signoz.Bearer(cfg.SigNozToken)
	case "credentials":
		return signoz.Credentials(cfg.SigNozEmail, cfg.SigNozPassword)
	default:
		return signoz.NoAuth()
	}
}

// Backend returns the telemetry backend requests are dispatched to.
func (s *Studio) Backend() observe.Backend {
	return s.backend
}

// ChatEnabled reports whether chat turns can be submitted.
func (s *Studio) ChatEnabled() bool {
	return s.engine != nil
}

// Engine returns the chat engine, or nil when chat is disabled.
func (s *Studio) Engine() *chat.Engine {
	return s.engine
}

// Status returns the connection status from the latest health check.
func (s *Studio) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Studio) setStatus(st ConnectionStatus) {
	s.mu.Lock()
	prev := s.status
	s.status = st
	s.checking = false
	s.mu.Unlock()

	if prev.State != st.State {
		s.logger.Info("connection status changed", "from", prev.State, "to", st)
	}
}

// bridgeOptions names a lane's bridge. A replacement for a panicked bridge
// gets a numbered name since the old one may still be settling.
func (s *Studio) bridgeOptions(kind string) bridge.Options {
	name := s.name + "." + kind
	if n := s.restarts[kind]; n > 0 {
		name = fmt.Sprintf("%s.%d", name, n)
	}
	return bridge.Options{
		Name:        name,
		MaxInFlight: s.cfg.MaxInFlight,
		Logger:      s.logger,
		Tracer:      s.tracer,
	}
}

func (s *Studio) release() {
	live.Lock()
	delete(live.names, s.name)
	live.Unlock()
}

func (s *Studio) closeResources() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
