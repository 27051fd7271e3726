package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jaevor/go-nanoid"
	"go.uber.org/zap"
)

// Strategy names how a Gate evaluates windows.
type Strategy string

const (
	// StrategyAuto picks the atomic path when the store supports it.
	StrategyAuto Strategy = "auto"
	// StrategyAtomic runs every check as one server-side script.
	StrategyAtomic Strategy = "atomic"
	// StrategyFallback reads, decides and writes in separate steps.
	StrategyFallback Strategy = "fallback"
)

// DefaultRetention is the TTL written with fallback lists.
const DefaultRetention = 24 * time.Hour

// ParseStrategy converts a configuration value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyAuto, StrategyAtomic, StrategyFallback:
		return Strategy(s), nil
	case "":
		return StrategyAuto, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// Gate admits or denies requests against a set of windows.
type Gate struct {
	strategy  Strategy
	admission admission
	clock     func() time.Time
	newID     func() string
	logger    *zap.Logger
}

type gateOptions struct {
	strategy  Strategy
	clock     func() time.Time
	newID     func() string
	retention time.Duration
	logger    *zap.Logger
}

// Option configures a Gate.
type Option func(*gateOptions)

// WithStrategy forces a strategy instead of probing the store.
func WithStrategy(s Strategy) Option {
	return func(o *gateOptions) { o.strategy = s }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *gateOptions) { o.clock = clock }
}

// WithIDGenerator sets the generator for the unique suffix of record members.
func WithIDGenerator(newID func() string) Option {
	return func(o *gateOptions) { o.newID = newID }
}

// WithRetention sets the minimum TTL of lists written by the list fallback.
func WithRetention(d time.Duration) Option {
	return func(o *gateOptions) { o.retention = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *gateOptions) { o.logger = logger }
}

// NewGate creates a Gate over store. The evaluation path is chosen here, once:
// a store that is both a WindowStore and a ScriptRunner with scripting enabled
// gets the atomic path, a WindowStore without scripts composes the primitives,
// and any other store uses the list fallback.
func NewGate(ctx context.Context, store Store, opts ...Option) (*Gate, error) {
	o := gateOptions{
		strategy:  StrategyAuto,
		clock:     time.Now,
		retention: DefaultRetention,
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	if store == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}

	if o.newID == nil {
		gen, err := nanoid.Standard(12)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: id generator: %w", err)
		}

		o.newID = gen
	}

	strategy, adm, err := selectAdmission(ctx, store, o)
	if err != nil {
		return nil, err
	}

	o.logger.Info("rate limit gate ready",
		zap.String("strategy", string(strategy)),
		zap.String("evaluation", describe(adm)),
	)

	return &Gate{
		strategy:  strategy,
		admission: adm,
		clock:     o.clock,
		newID:     o.newID,
		logger:    o.logger,
	}, nil
}

func selectAdmission(ctx context.Context, store Store, o gateOptions) (Strategy, admission, error) {
	ws, isWindowStore := store.(WindowStore)
	runner, isRunner := store.(ScriptRunner)

	switch o.strategy {
	case StrategyFallback:
		if isWindowStore {
			return StrategyFallback, &primitiveAdmission{store: ws}, nil
		}

		return StrategyFallback, &listAdmission{store: store, retention: o.retention}, nil
	case StrategyAtomic, StrategyAuto:
	default:
		return "", nil, fmt.Errorf("ratelimit: unknown strategy %q", o.strategy)
	}

	if isWindowStore && isRunner {
		ok, err := runner.SupportsScripts(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("%w: probing scripts: %w", ErrStoreUnavailable, err)
		}

		if ok {
			return StrategyAtomic, &atomicAdmission{store: ws, runner: runner}, nil
		}
	}

	if o.strategy == StrategyAtomic {
		return "", nil, ErrScriptsUnsupported
	}

	o.logger.Warn("store cannot run atomic scripts, using non-atomic fallback")

	if isWindowStore {
		return StrategyFallback, &primitiveAdmission{store: ws}, nil
	}

	return StrategyFallback, &listAdmission{store: store, retention: o.retention}, nil
}

func describe(a admission) string {
	switch a.(type) {
	case *atomicAdmission:
		return "script"
	case *primitiveAdmission:
		return "sorted-set primitives"
	default:
		return "list"
	}
}

// Strategy returns the evaluation path selected at construction.
func (g *Gate) Strategy() Strategy {
	return g.strategy
}

// CheckAndAdmit evaluates all windows. It returns true and records the request in
// every window only when every window has room. When denied, LimitExceeded names
// the first full window. Store failures are returned wrapped in ErrStoreUnavailable.
func (g *Gate) CheckAndAdmit(ctx context.Context, windows []Window) (bool, *LimitExceeded, error) {
	if err := ValidateWindows(windows); err != nil {
		return false, nil, err
	}

	now := Score(g.clock())
	member := formatScore(now) + "-" + g.newID()

	allowed, exceeded, err := g.admission.admit(ctx, now, member, windows)
	if err != nil {
		g.logger.Error("admission check failed", zap.Error(err))

		return false, nil, err
	}

	if !allowed {
		g.logger.Debug("admission denied",
			zap.String("window", exceeded.Window.Key),
			zap.Int64("count", exceeded.Count),
			zap.Int64("capacity", exceeded.Window.Capacity),
		)
	}

	return allowed, exceeded, nil
}

// Usage reports how many live records each window holds. Expired records are
// pruned as a side effect; nothing is admitted.
func (g *Gate) Usage(ctx context.Context, windows []Window) ([]Usage, error) {
	if err := ValidateWindows(windows); err != nil {
		return nil, err
	}

	return g.admission.usage(ctx, Score(g.clock()), windows)
}
