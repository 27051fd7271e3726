package container

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	_ "github.com/danielgtaylor/huma/v2/formats/cbor" // CBOR format support for huma
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/serroba/quota-gate/internal/dispatch"
	"github.com/serroba/quota-gate/internal/events"
	"github.com/serroba/quota-gate/internal/handlers"
	"github.com/serroba/quota-gate/internal/health"
	"github.com/serroba/quota-gate/internal/middleware"
	"github.com/serroba/quota-gate/internal/ratelimit"
	"github.com/serroba/quota-gate/internal/store"
	"go.uber.org/zap"
)

const (
	storeRedis    = "redis"
	storePostgres = "postgres"
	storeMemory   = "memory"

	gatingTransport  = "transport"
	gatingMiddleware = "middleware"

	consumerGroup = "quota-gate-audit"
	startTimeout  = 5 * time.Second
)

// Options are the server flags parsed by humacli.
type Options struct {
	Port          int    `default:"8888"            help:"Port to listen on"                                     short:"p"`
	RedisAddr     string `default:"localhost:6379"  help:"Redis server address"                                  short:"r"`
	PostgresDSN   string `default:""                help:"PostgreSQL connection string, used with --store=postgres"`
	Store         string `default:"redis"           help:"Window store: redis, postgres or memory"`
	Strategy      string `default:"auto"            help:"Admission strategy: auto, atomic or fallback"`
	KeyPrefix     string `default:"quota:{default}" help:"Prefix of the window keys shared by every instance"`
	PerSecond     int    `default:"100"             help:"Calls admitted per second"`
	PerDay        int    `default:"250000"          help:"Calls admitted per day"`
	RetryInterval string `default:"10ms"            help:"Pause between admission attempts"`
	MaxWait       string `default:"0s"              help:"Longest a call waits for admission, 0 for no limit"`
	Mode          string `default:"block"           help:"Denial behavior: block or fail-fast"`
	Upstream      string `default:""                help:"Base URL of the quota-limited API served under /proxy"`
	ProxyGating   string `default:"transport"       help:"Where proxied calls are admitted: transport or middleware"`
	LogFormat     string `default:"json"            help:"Log format: json or console"`
	Events        bool   `default:"true"            help:"Publish throttle events to a Redis stream"`
}

// RedisClient closes the shared client when the injector shuts down. Its
// Shutdown shadows the client's, so pass UniversalClient to consumers.
type RedisClient struct {
	redis.UniversalClient
}

// Shutdown closes the client.
func (c *RedisClient) Shutdown() error {
	return c.Close()
}

// Backend is a window store that can report its health.
type Backend interface {
	ratelimit.Store
	health.Checker
}

type postgresBackend struct {
	*store.PostgresStore

	stopJanitor context.CancelFunc
}

func (p *postgresBackend) Shutdown() error {
	p.stopJanitor()

	return p.PostgresStore.Shutdown()
}

// LoggerPackage provides the zap logger in the configured format.
func LoggerPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*zap.Logger, error) {
		opts := do.MustInvoke[*Options](i)

		if opts.LogFormat == "console" {
			return zap.NewDevelopment()
		}

		return zap.NewProduction()
	})
}

// RedisPackage provides the Redis client shared by the store and the event stream.
func RedisPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*RedisClient, error) {
		opts := do.MustInvoke[*Options](i)

		return &RedisClient{UniversalClient: redis.NewClient(&redis.Options{
			Addr: opts.RedisAddr,
		})}, nil
	})
}

// PostgresPackage provides the connection pool for --store=postgres.
func PostgresPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*pgxpool.Pool, error) {
		opts := do.MustInvoke[*Options](i)
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres store selected but no DSN configured")
		}

		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()

		return pgxpool.New(ctx, opts.PostgresDSN)
	})
}

// StorePackage provides the window store selected by --store.
func StorePackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (Backend, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)

		switch opts.Store {
		case storeRedis:
			client := do.MustInvoke[*RedisClient](i)

			return store.NewRedisStore(client.UniversalClient), nil
		case storePostgres:
			pool, err := do.Invoke[*pgxpool.Pool](i)
			if err != nil {
				return nil, err
			}

			pg := store.NewPostgresStore(pool)

			ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
			defer cancel()

			if err := pg.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate window table: %w", err)
			}

			janitorCtx, stop := context.WithCancel(context.Background())
			pg.StartJanitor(janitorCtx, time.Minute, logger)

			return &postgresBackend{PostgresStore: pg, stopJanitor: stop}, nil
		case storeMemory:
			logger.Warn("memory store only limits this process")

			return store.NewMemoryStore(), nil
		default:
			return nil, fmt.Errorf("unknown store %q", opts.Store)
		}
	})
}

// MetricsPackage provides the Prometheus registry served on /metrics.
func MetricsPackage(injector *do.Injector) {
	do.Provide(injector, func(_ *do.Injector) (*prometheus.Registry, error) {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		return reg, nil
	})
}

// PublisherPackage provides the throttle event publisher on the Redis stream.
func PublisherPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*events.Publisher, error) {
		client := do.MustInvoke[*RedisClient](i)
		logger := do.MustInvoke[*zap.Logger](i)

		pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client: client.UniversalClient,
		}, events.NewZapLogger(logger))
		if err != nil {
			return nil, err
		}

		return events.NewPublisher(pub), nil
	})
}

// ConsumerPackage provides the consumer that logs throttle events.
func ConsumerPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*events.Consumer, error) {
		client := do.MustInvoke[*RedisClient](i)
		logger := do.MustInvoke[*zap.Logger](i)

		sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        client.UniversalClient,
			ConsumerGroup: consumerGroup,
		}, events.NewZapLogger(logger))
		if err != nil {
			return nil, err
		}

		return events.NewConsumer(sub, events.NewLogSink(logger), logger), nil
	})
}

// RateLimitPackage provides the gate and the dispatcher built on it.
func RateLimitPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*ratelimit.Gate, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)

		backend, err := do.Invoke[Backend](i)
		if err != nil {
			return nil, err
		}

		strategy, err := ratelimit.ParseStrategy(opts.Strategy)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()

		return ratelimit.NewGate(ctx, backend,
			ratelimit.WithStrategy(strategy),
			ratelimit.WithLogger(logger),
		)
	})

	do.Provide(injector, func(i *do.Injector) (*dispatch.Dispatcher, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		reg := do.MustInvoke[*prometheus.Registry](i)

		gate, err := do.Invoke[*ratelimit.Gate](i)
		if err != nil {
			return nil, err
		}

		dispatchOpts, err := dispatchOptions(opts)
		if err != nil {
			return nil, err
		}

		dispatchOpts = append(dispatchOpts,
			dispatch.WithLogger(logger),
			dispatch.WithMetrics(dispatch.NewMetrics(reg)),
		)

		if opts.Events {
			publisher, err := do.Invoke[*events.Publisher](i)
			if err != nil {
				return nil, err
			}

			dispatchOpts = append(dispatchOpts, dispatch.WithThrottlePublisher(publisher.PublishThrottled))
		}

		windows := ratelimit.DefaultWindows(opts.KeyPrefix, int64(opts.PerSecond), int64(opts.PerDay))

		return dispatch.New(gate, windows, dispatchOpts...)
	})
}

func dispatchOptions(opts *Options) ([]dispatch.Option, error) {
	interval, err := time.ParseDuration(opts.RetryInterval)
	if err != nil {
		return nil, fmt.Errorf("retry interval: %w", err)
	}

	maxWait, err := time.ParseDuration(opts.MaxWait)
	if err != nil {
		return nil, fmt.Errorf("max wait: %w", err)
	}

	mode, err := dispatch.ParseMode(opts.Mode)
	if err != nil {
		return nil, err
	}

	return []dispatch.Option{
		dispatch.WithRetryInterval(interval),
		dispatch.WithMaxWait(maxWait),
		dispatch.WithMode(mode),
	}, nil
}

// HTTPPackage provides the router and the huma API with every route mounted.
func HTTPPackage(injector *do.Injector) {
	do.Provide(injector, func(_ *do.Injector) (*chi.Mux, error) {
		return chi.NewMux(), nil
	})

	do.Provide(injector, func(i *do.Injector) (huma.API, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		router := do.MustInvoke[*chi.Mux](i)
		reg := do.MustInvoke[*prometheus.Registry](i)

		backend, err := do.Invoke[Backend](i)
		if err != nil {
			return nil, err
		}

		gate, err := do.Invoke[*ratelimit.Gate](i)
		if err != nil {
			return nil, err
		}

		dispatcher, err := do.Invoke[*dispatch.Dispatcher](i)
		if err != nil {
			return nil, err
		}

		api := humachi.New(router, huma.DefaultConfig("Quota Gate", "1.0.0"))

		health.RegisterRoutes(api, health.NewHandler(backend, gate))
		handlers.RegisterRoutes(api, handlers.NewQuotaHandler(gate, dispatcher, logger))

		router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

		if opts.Upstream != "" {
			upstream, err := url.Parse(opts.Upstream)
			if err != nil {
				return nil, fmt.Errorf("upstream: %w", err)
			}

			var handler http.Handler

			switch opts.ProxyGating {
			case gatingTransport:
				handler = handlers.NewProxy(upstream, dispatcher.Transport(http.DefaultTransport), logger)
			case gatingMiddleware:
				proxy := handlers.NewProxy(upstream, http.DefaultTransport, logger)
				handler = middleware.Gate(dispatcher, logger)(proxy)
			default:
				return nil, fmt.Errorf("unknown proxy gating %q", opts.ProxyGating)
			}

			router.Handle("/proxy/*", middleware.WithRequestMeta(http.StripPrefix("/proxy", handler)))

			logger.Info("proxying gated calls",
				zap.String("upstream", upstream.String()),
				zap.String("gating", opts.ProxyGating),
			)
		}

		return api, nil
	})
}
