package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"ridewire/internal/geo"
	"ridewire/internal/sim"
	"ridewire/internal/storage"
	"ridewire/internal/timer"
)

func main() {
	addr := envOrDefault("HTTP_ADDR", ":8080")

	cfg := sim.DefaultConfig()
	if d := parseDuration(os.Getenv("OFFER_TIMEOUT")); d > 0 {
		cfg.OfferTimeout = d
	}

	index, events := initBackends()
	server := sim.New(cfg, index, events, timer.New())

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	server.AttachRoutes(r)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("dispatchd listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// initBackends picks Redis geo and PostgreSQL event logging when reachable,
// with in-memory / no-op fallbacks so the simulator runs standalone.
func initBackends() (geo.Index, storage.EventLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var index geo.Index = geo.NewMemoryIndex()
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Printf("redis URL parse error, geo fallback to in-memory: %v", err)
		} else {
			client := redis.NewClient(opt)
			if err := client.Ping(ctx).Err(); err != nil {
				log.Printf("redis unreachable, geo fallback to in-memory: %v", err)
			} else {
				log.Printf("using Redis geo index")
				index = geo.NewRedisIndex(client)
			}
		}
	}

	var events storage.EventLog
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := storage.DefaultPool(ctx, dbURL)
		if err != nil {
			log.Printf("database connection failed, event log disabled: %v", err)
		} else {
			rideLog := storage.NewRideLog(pool)
			if err := rideLog.EnsureSchema(ctx); err != nil {
				log.Printf("schema init failed, event log disabled: %v", err)
			} else {
				log.Printf("using PostgreSQL ride event log")
				events = rideLog
			}
		}
	}

	return index, events
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseDuration(val string) time.Duration {
	if val == "" {
		return 0
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0
	}
	return d
}
