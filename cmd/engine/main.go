// Package main is the trade engine process entrypoint: it wires the
// signal aggregator, dispatcher, OCO manager, position books, risk guard,
// audit sinks, and API surface together and runs them until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/aggregator"
	"github.com/nexusquant/trade-engine/internal/apiserver"
	"github.com/nexusquant/trade-engine/internal/audit"
	"github.com/nexusquant/trade-engine/internal/cfgx"
	"github.com/nexusquant/trade-engine/internal/dispatcher"
	"github.com/nexusquant/trade-engine/internal/exchange"
	"github.com/nexusquant/trade-engine/internal/ingest"
	"github.com/nexusquant/trade-engine/internal/lockmgr"
	"github.com/nexusquant/trade-engine/internal/oco"
	"github.com/nexusquant/trade-engine/internal/positionbook"
	"github.com/nexusquant/trade-engine/internal/riskguard"
	"github.com/nexusquant/trade-engine/internal/strategybook"
	"github.com/nexusquant/trade-engine/internal/telemetry"
)

func main() {
	host := flag.String("host", "0.0.0.0", "API server host")
	port := flag.Int("port", 8080, "API server port")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	jsonLogs := flag.Bool("json-logs", false, "Emit JSON-encoded logs instead of console")
	configPath := flag.String("config", "", "Path to a YAML config overlay (optional, live-reloaded)")
	testnet := flag.Bool("testnet", true, "Use the Binance futures testnet")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis address, used for locks and the primary audit sink")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres DSN for the secondary audit/analytics sink (empty disables it)")
	kafkaBrokers := flag.String("kafka-brokers", "", "Comma-separated Kafka brokers (empty disables the bus-sourced ingest path)")
	kafkaTopic := flag.String("kafka-topic", "trading-signals", "Kafka topic to consume signal envelopes from")
	kafkaGroupID := flag.String("kafka-group-id", "trade-engine", "Kafka consumer group id")
	ocoPollInterval := flag.Duration("oco-poll-interval", 2*time.Second, "OCO pair monitor poll interval")
	filterRefreshInterval := flag.Duration("filter-refresh-interval", 15*time.Minute, "Exchange symbol filter cache refresh interval")
	flag.Parse()

	logger, err := telemetry.NewLogger(*logLevel, *jsonLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting trade engine",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.Bool("testnet", *testnet),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := telemetry.New()

	cfgStore, err := cfgx.NewStore(logger, *configPath, 5*time.Second)
	if err != nil {
		logger.Fatal("failed to initialize configuration store", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to reach redis", zap.Error(err))
	}
	locks := lockmgr.New(rdb, logger)

	var primarySink audit.Sink = audit.NewRedisDocumentSink(rdb, logger)
	var secondarySink audit.Sink
	if *postgresDSN != "" {
		db, err := sqlx.Connect("postgres", *postgresDSN)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		pgSink := audit.NewPostgresTabularSink(db, logger)
		if err := pgSink.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate postgres audit schema", zap.Error(err))
		}
		secondarySink = pgSink
	}
	auditSink := audit.NewFanoutSink(primarySink, secondarySink, logger)

	gateway, err := exchange.NewBinanceFuturesGateway(ctx, os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET"), exchange.GatewayConfig{
		UseTestnet:        *testnet,
		RetryAttempts:     3,
		RetryBaseDelay:    time.Second,
		RequestsPerSecond: 10,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize exchange gateway", zap.Error(err))
	}
	go gateway.RunFilterRefresh(ctx, *filterRefreshInterval)

	positions := positionbook.New(logger)
	strategies := strategybook.New(logger)
	risk := riskguard.New(logger, correlationGroups())
	agg := aggregator.New(logger)
	ocoMgr := oco.New(gateway, strategies, auditSink, metrics, *ocoPollInterval, logger)

	disp := dispatcher.New(dispatcher.Config{
		Aggregator: agg,
		Risk:       risk,
		Positions:  positions,
		Strategies: strategies,
		Oco:        ocoMgr,
		Gateway:    gateway,
		Locks:      locks,
		Sink:       auditSink,
		Cfg:        cfgStore,
		Metrics:    metrics,
		Equity:     gateway,
	}, logger)

	go ocoMgr.Start(ctx)

	var kafkaConsumer *ingest.KafkaConsumer
	if *kafkaBrokers != "" {
		kafkaConsumer = ingest.NewKafkaConsumer(ingest.KafkaConsumerConfig{
			Brokers: splitCSV(*kafkaBrokers),
			Topic:   *kafkaTopic,
			GroupID: *kafkaGroupID,
		}, disp.Submit, logger)
		go func() {
			if err := kafkaConsumer.Run(ctx); err != nil {
				logger.Error("kafka consumer stopped with error", zap.Error(err))
			}
		}()
	}

	healthCheck := func(ctx context.Context) map[string]bool {
		statuses := map[string]bool{
			"redis": rdb.Ping(ctx).Err() == nil,
			"audit": auditSink.Healthy(ctx),
		}
		return statuses
	}

	server := apiserver.New(apiserver.Config{Host: *host, Port: *port}, disp.Submit, healthCheck, metrics, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server stopped with error", zap.Error(err))
		}
	}()

	logger.Info("trade engine started",
		zap.String("http", fmt.Sprintf("http://%s:%d", *host, *port)),
		zap.Bool("kafka_enabled", kafkaConsumer != nil),
		zap.Bool("postgres_enabled", secondarySink != nil),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Close(); err != nil {
			logger.Error("error closing kafka consumer", zap.Error(err))
		}
	}
	ocoMgr.Stop()
	if err := disp.Stop(); err != nil {
		logger.Error("error stopping dispatcher", zap.Error(err))
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during api server shutdown", zap.Error(err))
	}
	if err := rdb.Close(); err != nil {
		logger.Error("error closing redis client", zap.Error(err))
	}

	logger.Info("trade engine stopped")
}

// correlationGroups names symbols that tend to move together, so the risk
// guard can warn on concentrated exposure even though each position alone
// is within limits.
func correlationGroups() map[string][]string {
	return map[string][]string{
		"l1":   {"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"},
		"defi": {"UNIUSDT", "AAVEUSDT", "COMPUSDT"},
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
