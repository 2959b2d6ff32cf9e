package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shortontech/gopersona/internal/breaker"
	"github.com/shortontech/gopersona/internal/cache"
	"github.com/shortontech/gopersona/internal/event"
	"github.com/shortontech/gopersona/internal/httpx"
	"github.com/shortontech/gopersona/internal/metrics"
	"github.com/shortontech/gopersona/internal/resolve"
	"github.com/shortontech/gopersona/internal/sink"
	"github.com/shortontech/gopersona/pkg/config"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks := startSinks(ctx, cfg.Outputs)
	emit := func(ev event.Event) {
		for _, s := range sinks {
			if err := s.Enqueue(ev); err != nil {
				log.Printf("sink %s: %v", s.Name(), err)
			}
		}
	}

	if len(os.Args) > 1 && os.Args[1] == "--test-mode" {
		runTestMode(emit)
		closeSinks(sinks)
		return
	}

	m := metrics.NewMetrics()
	metricsSrv := metrics.NewServer(metrics.LoadConfig())
	_ = metricsSrv.Start(ctx)

	store := selectStore(ctx, cfg)
	personaCache := cache.New(store, cfg.CachePrefix, cfg.CacheTimeout)
	cb := breaker.New(breaker.Config{
		MaxErrors:         cfg.BreakerMaxErrors,
		RecoveryThreshold: cfg.BreakerRecoveryThreshold,
		Cooldown:          cfg.BreakerCooldown,
	})
	resolver := resolve.New(cfg, personaCache, cb, m)

	resolver.Limiter().StartCleanup(cfg.RateLimitWindow, ctx.Done())
	personaCache.StartSweep(10*time.Minute, ctx.Done())

	env := httpx.Env{
		Cfg:      cfg,
		Resolver: resolver,
		Breaker:  cb,
		Cache:    personaCache,
		Metrics:  m,
		Emit:     emit,
	}

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: httpx.NewMux(env),
	}

	go func() {
		log.Printf("gopersona listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	resolver.WaitAsync()
	closeSinks(sinks)
}

// selectStore prefers Redis and falls back to the in-process store when
// Redis is unreachable at boot, so the service always comes up.
func selectStore(ctx context.Context, cfg config.Config) cache.Store {
	if cfg.RedisAddr == "" {
		log.Printf("cache: REDIS_ADDR not set, using in-memory store")
		return cache.NewMemoryStore()
	}

	rs := cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		log.Printf("cache: redis at %s unreachable (%v), using in-memory store", cfg.RedisAddr, err)
		return cache.NewMemoryStore()
	}
	log.Printf("cache: connected to redis at %s", cfg.RedisAddr)
	return rs
}

func startSinks(ctx context.Context, outputs []string) []sink.Sink {
	var sinks []sink.Sink
	for _, out := range outputs {
		var s sink.Sink
		switch out {
		case "log":
			s = sink.NewLogSink()
		case "kafka":
			s = sink.NewKafkaSinkFromEnv()
		case "postgres":
			s = sink.NewPGSinkFromEnv()
		default:
			log.Printf("unknown output %q, skipping", out)
			continue
		}
		if err := s.Start(ctx); err != nil {
			log.Printf("sink %s failed to start: %v", s.Name(), err)
			continue
		}
		sinks = append(sinks, s)
	}
	return sinks
}

func closeSinks(sinks []sink.Sink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Printf("sink %s close: %v", s.Name(), err)
		}
	}
}
