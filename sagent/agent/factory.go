package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/ZanzyTHEbar/support-agent/sagent/agent/adapters"
	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/ZanzyTHEbar/support-agent/sagent/agent/tools"
	"github.com/ZanzyTHEbar/support-agent/sagent/checkpoint"
	"github.com/ZanzyTHEbar/support-agent/sagent/config"
	"github.com/ZanzyTHEbar/support-agent/sagent/events"
	"github.com/ZanzyTHEbar/support-agent/sagent/retrieval"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Runtime is a fully wired engine and the components the CLI reaches into.
type Runtime struct {
	Engine    *Engine
	Store     checkpoint.Store
	Retriever *retrieval.Retriever
	Bus       *events.Bus // nil when events are disabled
	Commerce  *tools.CommerceStore
	closers   []io.Closer
}

// Close releases the event bus and the audit log.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Factory creates and wires engine components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB               // required by libsql backends
	rdb    redis.UniversalClient // required by redis backends
	logger zerolog.Logger
}

// NewFactory creates a new factory. db and rdb may be nil when no configured
// backend needs them.
func NewFactory(cfg *config.Config, db *sql.DB, rdb redis.UniversalClient, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, db: db, rdb: rdb, logger: logger}
}

// CreateRuntime wires the engine from config.
func (f *Factory) CreateRuntime(ctx context.Context) (_ *Runtime, err error) {
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()
	limiter := f.createRateLimiter()

	provider, err := f.createProvider(limiter)
	if err != nil {
		return nil, err
	}
	if rt.Store, err = f.createCheckpointStore(); err != nil {
		return nil, err
	}
	if rt.Retriever, err = f.CreateRetriever(ctx, provider, limiter); err != nil {
		return nil, err
	}

	invoker, commerce, audit, err := f.createInvoker()
	if err != nil {
		return nil, err
	}
	rt.Commerce = commerce
	if audit != nil {
		rt.closers = append(rt.closers, audit)
	}

	opts := []Option{
		WithPolicy(f.CreatePolicy()),
		WithTracer(f.createTracer()),
		WithLogger(f.logger),
		WithJudge(NewJudge(provider, f.cfg.Providers.JudgeMaxTokens, f.cfg.Providers.JudgeTemperature, f.logger)),
	}
	locker, err := f.createLocker()
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithLocker(locker))

	if rt.Bus, err = f.createEventBus(); err != nil {
		return nil, err
	}
	if rt.Bus != nil {
		rt.closers = append(rt.closers, rt.Bus)
		opts = append(opts, WithEvents(rt.Bus))
	}

	rt.Engine = New(rt.Store, provider, rt.Retriever, invoker, opts...)
	return rt, nil
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() *Policy {
	a, p := f.cfg.Agent, f.cfg.Providers
	policy := DefaultPolicy()
	policy.MaxCycles = a.MaxCycles
	policy.RetrievalTimeout = a.RetrievalTimeout
	policy.RetrievalK = f.cfg.Retrieval.TopK
	policy.Reasoning.MaxAttempts = a.ReasoningMaxAttempts
	policy.Reasoning.AttemptTimeout = a.ReasoningTimeout
	policy.Reasoning.BaseDelay = f.cfg.Tools.BaseBackoff
	policy.Reasoning.MaxDelay = f.cfg.Tools.MaxBackoff
	policy.Reasoning.JitterPercent = uint64(max(f.cfg.Tools.JitterPercent, 0))
	policy.MaxHistoryMessages = a.MaxHistoryMessages
	if a.SystemPrompt != "" {
		policy.SystemPrompt = a.SystemPrompt
	}
	policy.Temperature = p.Temperature
	policy.MaxTokens = p.MaxTokens
	policy.JudgeEnabled = a.JudgeEnabled
	policy.JudgeThreshold = a.JudgeThreshold
	policy.JudgeMaxTokens = p.JudgeMaxTokens
	policy.JudgeTemperature = p.JudgeTemperature
	policy.SkipRetrievalIntents = nil
	for _, in := range a.SkipRetrievalIntents {
		policy.SkipRetrievalIntents = append(policy.SkipRetrievalIntents, Intent(in))
	}

	// Validate and clamp policy values
	if policy.MaxCycles < 1 {
		policy.MaxCycles = 1
		f.logger.Warn().Int("max_cycles", a.MaxCycles).Msg("MaxCycles clamped to minimum of 1")
	}
	if policy.MaxCycles > 50 {
		policy.MaxCycles = 50
		f.logger.Warn().Int("max_cycles", a.MaxCycles).Msg("MaxCycles clamped to maximum of 50")
	}
	if policy.Reasoning.MaxAttempts < 1 {
		policy.Reasoning.MaxAttempts = 1
		f.logger.Warn().Int("reasoning_max_attempts", a.ReasoningMaxAttempts).Msg("ReasoningMaxAttempts clamped to minimum of 1")
	}
	if policy.Reasoning.MaxAttempts > 10 {
		policy.Reasoning.MaxAttempts = 10
		f.logger.Warn().Int("reasoning_max_attempts", a.ReasoningMaxAttempts).Msg("ReasoningMaxAttempts clamped to maximum of 10")
	}
	if policy.JudgeThreshold < 0 || policy.JudgeThreshold > 1 {
		policy.JudgeThreshold = 0.5
		f.logger.Warn().Float64("judge_threshold", a.JudgeThreshold).Msg("JudgeThreshold reset to 0.5")
	}
	if policy.RetrievalK < 1 {
		policy.RetrievalK = 5
	}
	return policy
}

// CreateToolPolicy maps the tools section onto a retry policy.
func (f *Factory) CreateToolPolicy() tooling.RetryPolicy {
	t := f.cfg.Tools
	p := tooling.RetryPolicy{
		MaxAttempts:    t.MaxAttempts,
		BaseDelay:      t.BaseBackoff,
		MaxDelay:       t.MaxBackoff,
		JitterPercent:  uint64(max(t.JitterPercent, 0)),
		AttemptTimeout: t.Timeout,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
		f.logger.Warn().Int("max_attempts", t.MaxAttempts).Msg("tool MaxAttempts clamped to minimum of 1")
	}
	if p.JitterPercent > 100 {
		p.JitterPercent = 100
	}
	return p
}

func (f *Factory) createInvoker() (*tooling.Invoker, *tools.CommerceStore, *tooling.AuditLog, error) {
	commerce := tools.NewSeededCommerceStore()
	reg, err := tools.NewRegistry(commerce, tools.RefundPolicy{
		WindowDays:   f.cfg.Tools.RefundWindowDays,
		MaxAmountUSD: f.cfg.Tools.RefundMaxAmountUSD,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to register tools: %w", err)
	}
	reg = reg.Restrict(f.cfg.Tools.AllowedTools)

	store, err := f.createIdempotencyStore()
	if err != nil {
		return nil, nil, nil, err
	}

	opts := []tooling.InvokerOption{tooling.WithLogger(f.logger)}
	var audit *tooling.AuditLog
	if f.cfg.Tools.AuditEnabled && f.cfg.Tools.AuditPath != "" {
		audit, err = tooling.OpenAuditLog(f.cfg.Tools.AuditPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		opts = append(opts, tooling.WithAuditLog(audit))
	}
	return tooling.NewInvoker(reg, store, f.CreateToolPolicy(), opts...), commerce, audit, nil
}

func (f *Factory) createIdempotencyStore() (tooling.IdempotencyStore, error) {
	switch f.cfg.Tools.Idempotency {
	case "", "memory":
		return tooling.NewMemoryIdempotencyStore(), nil
	case "libsql":
		if f.db == nil {
			return nil, fmt.Errorf("libsql idempotency store requires a database")
		}
		return tooling.NewLibSQLIdempotencyStore(f.db), nil
	case "redis":
		if f.rdb == nil {
			return nil, fmt.Errorf("redis idempotency store requires a redis client")
		}
		return tooling.NewRedisIdempotencyStore(f.rdb, f.cfg.Checkpoint.KeyPrefix, f.cfg.Checkpoint.RedisTTL), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", f.cfg.Tools.Idempotency)
	}
}

func (f *Factory) createCheckpointStore() (checkpoint.Store, error) {
	switch f.cfg.Checkpoint.Backend {
	case "", "memory":
		return checkpoint.NewMemoryStore(), nil
	case "libsql":
		if f.db == nil {
			return nil, fmt.Errorf("libsql checkpoint store requires a database")
		}
		return checkpoint.NewLibSQLStore(f.db), nil
	case "redis":
		if f.rdb == nil {
			return nil, fmt.Errorf("redis checkpoint store requires a redis client")
		}
		return checkpoint.NewRedisStore(f.rdb, f.cfg.Checkpoint.KeyPrefix, f.cfg.Checkpoint.RedisTTL), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", f.cfg.Checkpoint.Backend)
	}
}

// CreateRetriever wires the retrieval subsystem and loads its lexical index.
func (f *Factory) CreateRetriever(ctx context.Context, provider ports.Provider, limiter ports.RateLimiter) (*retrieval.Retriever, error) {
	rc, pc := f.cfg.Retrieval, f.cfg.Providers

	var index retrieval.VectorIndex
	switch rc.Index {
	case "", "memory":
		index = retrieval.NewMemoryIndex(rc.Dimension)
	case "libsql":
		if f.db == nil {
			return nil, fmt.Errorf("libsql index requires a database")
		}
		index = retrieval.NewLibSQLIndex(f.db, rc.Dimension)
	default:
		return nil, fmt.Errorf("unknown retrieval index %q", rc.Index)
	}

	counter, err := retrieval.NewCounter(rc.BudgetUnit, rc.Encoding)
	if counter == nil {
		return nil, err
	}
	if err != nil {
		f.logger.Warn().Err(err).Msg("tiktoken encoding unavailable, estimating tokens from characters")
	}

	opts := retrieval.DefaultOptions()
	opts.TopK = rc.TopK
	opts.CandidateK = rc.CandidateK
	opts.Alpha = rc.Alpha
	opts.Hybrid = rc.Hybrid
	opts.Budget = retrieval.Budget{Size: rc.BudgetSize, MaxChunks: rc.MaxChunks}
	opts.RerankTopN = rc.RerankTopN
	opts.CacheTTL = rc.EmbeddingCacheTTL

	options := []retrieval.Option{
		retrieval.WithCounter(counter),
		retrieval.WithLogger(f.logger),
	}
	if cache := f.createCache(rc.EmbeddingCacheSize); cache != nil {
		options = append(options, retrieval.WithCache(cache))
	}
	if rc.Rerank && provider != nil {
		options = append(options, retrieval.WithReranker(retrieval.NewLLMReranker(provider, f.logger)))
	}

	var embedder retrieval.Embedder
	if pc.OpenAIAPIKey != "" {
		embedder = retrieval.NewOpenAIEmbedder(retrieval.OpenAIEmbedderOptions{
			APIKey:    pc.OpenAIAPIKey,
			Model:     pc.EmbeddingModel,
			BatchSize: pc.EmbeddingBatchSize,
		}, limiter)
	} else {
		f.logger.Warn().Msg("no embedding provider configured, retrieval is lexical only")
	}

	r := retrieval.NewRetriever(embedder, index, opts, options...)
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (f *Factory) createProvider(limiter ports.RateLimiter) (ports.Provider, error) {
	p := f.cfg.Providers
	switch p.Reasoning {
	case "", "openai":
		if p.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("providers.openai_api_key is not set")
		}
		return adapters.NewOpenAIProvider(adapters.OpenAIOptions{
			APIKey:         p.OpenAIAPIKey,
			Model:          p.OpenAIModel,
			RequestTimeout: p.RequestTimeout,
		}, limiter), nil
	case "anthropic":
		if p.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("providers.anthropic_api_key is not set")
		}
		return adapters.NewAnthropicProvider(adapters.AnthropicOptions{
			APIKey:         p.AnthropicAPIKey,
			Model:          p.AnthropicModel,
			RequestTimeout: p.RequestTimeout,
		}, limiter), nil
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", p.Reasoning)
	}
}

func (f *Factory) createCache(capacity int) ports.Cache {
	if capacity <= 0 {
		return nil
	}
	return adapters.NewLRUCache(capacity)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Providers.RateLimitEnabled {
		return nil
	}
	return adapters.NewTokenBucket(f.cfg.Providers.RateLimitCapacity, f.cfg.Providers.RateLimitRefill)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Providers.EnableTracing {
		return adapters.NopTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createLocker() (Locker, error) {
	switch f.cfg.Agent.Locker {
	case "", "memory":
		return NewMemoryLocker(), nil
	case "redis":
		if f.rdb == nil {
			return nil, fmt.Errorf("redis locker requires a redis client")
		}
		return NewRedisLocker(f.rdb, f.cfg.Checkpoint.KeyPrefix, f.cfg.Agent.LockTTL, f.logger), nil
	default:
		return nil, fmt.Errorf("unknown locker %q", f.cfg.Agent.Locker)
	}
}

func (f *Factory) createEventBus() (*events.Bus, error) {
	e := f.cfg.Events
	switch e.Backend {
	case "none":
		return nil, nil
	case "", "gochannel":
		return events.NewGoChannelBus(e.Topic, e.BufferSize, f.logger), nil
	case "redis":
		if f.rdb == nil {
			return nil, fmt.Errorf("redis event bus requires a redis client")
		}
		return events.NewRedisBus(f.rdb, e.Topic, f.logger)
	default:
		return nil, fmt.Errorf("unknown events backend %q", e.Backend)
	}
}

// NeedsDatabase reports whether any configured backend uses libsql.
func NeedsDatabase(cfg *config.Config) bool {
	return slices.Contains([]string{cfg.Checkpoint.Backend, cfg.Tools.Idempotency, cfg.Retrieval.Index}, "libsql")
}

// NeedsRedis reports whether any configured backend uses redis.
func NeedsRedis(cfg *config.Config) bool {
	return slices.Contains([]string{cfg.Checkpoint.Backend, cfg.Tools.Idempotency, cfg.Agent.Locker, cfg.Events.Backend}, "redis")
}
