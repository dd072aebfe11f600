/**
 * @description
 * This is the main entry point for the bridge-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, chain adapters, the exchange-rate providers, message brokers,
 * repositories, the core orchestration service, and the HTTP server. It wires
 * everything together, resumes interrupted swaps, and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/chains, internal/config, internal/rates,
 *   internal/store, internal/tracker: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chainbridge/bridge-service/internal/api"
	"github.com/chainbridge/bridge-service/internal/app"
	"github.com/chainbridge/bridge-service/internal/chains"
	"github.com/chainbridge/bridge-service/internal/config"
	"github.com/chainbridge/bridge-service/internal/rates"
	"github.com/chainbridge/bridge-service/internal/store"
	"github.com/chainbridge/bridge-service/internal/tracker"
	rmrabbit "github.com/chainbridge/bridge-service/pkg/rabbitmq"
)

// rateCoinIDs maps asset symbols to CoinGecko-style coin identifiers for the
// chains this deployment can bridge.
var rateCoinIDs = map[string]string{
	"ETHEREUM": "ethereum",
	"SOLANA":   "solana",
	"STELLAR":  "stellar",
}

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.ServiceJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"service jwt secret must be configured\" env=SERVICE_JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting bridge-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events and alerts.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Register the chain adapters this deployment supports.
	registry := chains.NewRegistry()

	if strings.TrimSpace(cfg.EVMRPCURL) != "" {
		evmAdapter, err := chains.NewEVMAdapter(chains.EVMConfig{
			ChainID:            "ethereum",
			NetworkID:          cfg.EVMNetworkID,
			RPCURL:             cfg.EVMRPCURL,
			TreasuryAddress:    cfg.EVMTreasuryAddress,
			TreasuryPrivateKey: cfg.EVMTreasuryPrivateKey,
			GasLimit:           cfg.EVMGasLimit,
		})
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"evm adapter init failed\" err=%v", err)
		}
		if err := registry.Register(evmAdapter); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"evm adapter registration failed\" err=%v", err)
		}
	}

	if strings.TrimSpace(cfg.SolanaRPCURL) != "" {
		solanaAdapter, err := chains.NewSolanaAdapter(chains.SolanaConfig{
			ChainID:            "solana",
			RPCURL:             cfg.SolanaRPCURL,
			TreasuryPrivateKey: cfg.SolanaTreasuryPrivateKey,
		})
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"solana adapter init failed\" err=%v", err)
		}
		if err := registry.Register(solanaAdapter); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"solana adapter registration failed\" err=%v", err)
		}
	}

	if strings.TrimSpace(cfg.StellarHorizonURL) != "" {
		stellarAdapter, err := chains.NewStellarAdapter(chains.StellarConfig{
			ChainID:           "stellar",
			HorizonURL:        cfg.StellarHorizonURL,
			NetworkPassphrase: cfg.StellarNetworkPassphrase,
			TreasurySeed:      cfg.StellarTreasurySeed,
		})
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"stellar adapter init failed\" err=%v", err)
		}
		if err := registry.Register(stellarAdapter); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"stellar adapter registration failed\" err=%v", err)
		}
	}

	chainIDs := registry.ChainIDs()
	if len(chainIDs) < 2 {
		log.Fatalf("level=fatal component=bootstrap msg=\"at least two chain adapters must be configured\" configured=%v", chainIDs)
	}
	log.Printf("level=info component=bootstrap msg=\"chain adapters registered\" chains=%v", chainIDs)

	// Exchange-rate providers, primary first.
	var rateProviders []rates.Provider
	if strings.TrimSpace(cfg.RatePrimaryURL) != "" {
		rateProviders = append(rateProviders, rates.NewHTTPProvider("primary", cfg.RatePrimaryURL, rateCoinIDs))
	}
	if strings.TrimSpace(cfg.RateFallbackURL) != "" {
		rateProviders = append(rateProviders, rates.NewHTTPProvider("fallback", cfg.RateFallbackURL, rateCoinIDs))
	}
	if len(rateProviders) == 0 {
		log.Fatalf("level=fatal component=bootstrap msg=\"at least one rate provider must be configured\" env=RATE_PRIMARY_URL")
	}
	rateService := rates.NewService(time.Duration(cfg.RateMaxQuoteAgeSecs)*time.Second, rateProviders...)

	// Optional Redis-backed submission rate limiting.
	var limiter app.RateLimiter
	if cfg.SwapSubmitRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; submission rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; submission rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisSwapRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	statusTracker := tracker.New(registry, tracker.Config{
		InitialInterval: time.Duration(cfg.TrackerInitialIntervalSecs) * time.Second,
		MaxInterval:     time.Duration(cfg.TrackerMaxIntervalSecs) * time.Second,
		Multiplier:      2.0,
	})

	// Initialize the core orchestration service with its dependencies.
	bridgeService := app.NewService(
		repository,
		registry,
		statusTracker,
		rateService,
		producer,
		limiter,
		app.Config{
			WithdrawConfirmTimeout: time.Duration(cfg.WithdrawConfirmTimeoutSecs) * time.Second,
			DepositConfirmTimeout:  time.Duration(cfg.DepositConfirmTimeoutSecs) * time.Second,
			RollbackConfirmTimeout: time.Duration(cfg.RollbackConfirmTimeoutSecs) * time.Second,
			MaxTransientRetries:    cfg.MaxTransientRetries,
			RetryBackoff:           time.Duration(cfg.RetryBackoffSecs) * time.Second,
			SwapExpiry:             time.Duration(cfg.SwapExpiryMinutes) * time.Minute,
			SubmitRateLimit:        cfg.SwapSubmitRateLimitPerMinute,
			SubmitRateWindow:       time.Minute,
		},
	)

	// Resume any saga interrupted by the previous shutdown before accepting
	// new work.
	if err := bridgeService.ResumeInFlightSwaps(context.Background()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"swap resumption failed\" err=%v", err)
	}

	// Initialize the API handlers.
	bridgeHandlers := api.NewBridgeHandlers(bridgeService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/bridge", api.BridgeRoutes(bridgeHandlers, cfg.ServiceJWTSecret))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
