// Package cli provides the meteringd command-line interface: the serve,
// trigger, and config commands that wire the config, store, queue,
// scheduler, aggregation, and webhook packages into a running process.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (METERING_ prefix)
//  3. Configuration file values
//  4. Default values
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codehooks-metering/metering-engine/aggregation"
	"github.com/codehooks-metering/metering-engine/api"
	"github.com/codehooks-metering/metering-engine/common"
	"github.com/codehooks-metering/metering-engine/config"
	"github.com/codehooks-metering/metering-engine/ingest"
	"github.com/codehooks-metering/metering-engine/lock"
	"github.com/codehooks-metering/metering-engine/metrics"
	"github.com/codehooks-metering/metering-engine/model"
	"github.com/codehooks-metering/metering-engine/queue"
	"github.com/codehooks-metering/metering-engine/scheduler"
	"github.com/codehooks-metering/metering-engine/store"
	"github.com/codehooks-metering/metering-engine/webhook"
	"github.com/codehooks-metering/metering-engine/worker"
)

// cfgFile holds the path to the configuration file specified via
// --config. When empty, config.Load searches ./metering.yaml and
// $HOME/metering.yaml.
var cfgFile string

// RootCmd is the meteringd entry point.
var RootCmd = &cobra.Command{
	Use:   "meteringd",
	Short: "a multi-tenant usage-metering aggregation engine",
	Long: `meteringd

Ingests per-customer usage events, aggregates them into hourly/daily/
weekly/monthly/yearly rollups on a cron schedule, and delivers signed
webhook notifications when a period's aggregation completes.

Configuration can be provided via command-line flags, environment
variables (METERING_ prefix), or a YAML configuration file, with
flags taking precedence over environment, which takes precedence over
the file.`,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./metering.yaml or $HOME/metering.yaml)")
	RootCmd.PersistentFlags().String("http-addr", "", "HTTP listen address")
	RootCmd.PersistentFlags().String("store-backend", "", "store backend: memory or couchdb")
	RootCmd.PersistentFlags().String("couchdb-url", "", "CouchDB connection URL")
	RootCmd.PersistentFlags().String("queue-transport", "", "queue transport: redis or rabbitmq")
	RootCmd.PersistentFlags().String("redis-addr", "", "Redis address")
	RootCmd.PersistentFlags().String("rabbitmq-url", "", "RabbitMQ connection URL")
	RootCmd.PersistentFlags().Bool("dry-run", false, "log webhook deliveries instead of sending them")

	viper.BindPFlag("http_addr", RootCmd.PersistentFlags().Lookup("http-addr"))
	viper.BindPFlag("store_backend", RootCmd.PersistentFlags().Lookup("store-backend"))
	viper.BindPFlag("couchdb_url", RootCmd.PersistentFlags().Lookup("couchdb-url"))
	viper.BindPFlag("queue_transport", RootCmd.PersistentFlags().Lookup("queue-transport"))
	viper.BindPFlag("redis_addr", RootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("rabbitmq_url", RootCmd.PersistentFlags().Lookup("rabbitmq-url"))
	viper.BindPFlag("dry_run", RootCmd.PersistentFlags().Lookup("dry-run"))

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(triggerCmd)
	RootCmd.AddCommand(configCmd)
}

// loadConfig reads the effective AppConfig via config.Load, aborting the
// process on any error it returns (model.ErrConfigInvalid or a config file
// read failure) per spec.md's boot-time validation contract.
func loadConfig() config.AppConfig {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "meteringd: invalid configuration:", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg config.AppConfig) *common.ContextLogger {
	lc := common.DefaultLoggerConfig()
	lc.Level = common.LogLevel(cfg.LogLevel)
	lc.Format = cfg.LogFormat
	lc.Service = "meteringd"
	logger := common.NewLogger(lc)
	common.Logger = logger
	return common.NewContextLogger(logger, map[string]interface{}{"component": "cli"})
}

// openStore constructs the store.Store backend selected by cfg.StoreBackend.
func openStore(ctx context.Context, cfg config.AppConfig) (store.Store, error) {
	switch cfg.StoreBackend {
	case "couchdb":
		return store.NewCouchStore(ctx, cfg.CouchDBURL, cfg.CouchDBUser, cfg.CouchDBPass)
	case "memory", "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store_backend %q", cfg.StoreBackend)
	}
}

// openQueue constructs the queue.Queue transport selected by
// cfg.QueueTransport, along with the lock.Service that rides the same
// transport (Redis locks for a Redis queue, an in-process lock otherwise).
func openQueue(cfg config.AppConfig) (queue.Queue, lock.Service, error) {
	switch cfg.QueueTransport {
	case "rabbitmq":
		q, err := queue.NewRabbitQueue(cfg.RabbitMQURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		return q, lock.NewMemoryLock(), nil
	case "redis", "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedisQueue(client, "metering:"), lock.NewRedisLock(client, "metering:lock:"), nil
	default:
		return nil, nil, fmt.Errorf("unknown queue_transport %q", cfg.QueueTransport)
	}
}

// serveCmd runs the full process: the HTTP API, the cron scheduler, and
// the aggregation and webhook worker pools.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP API, cron scheduler, and worker pools",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg)
		if err != nil {
			log.WithError(err).Fatal("failed to open store")
		}
		defer st.Close()
		q, locks, err := openQueue(cfg)
		if err != nil {
			log.WithError(err).Fatal("failed to open queue")
		}
		defer q.Close()

		m := metrics.New()
		configFn := func() config.AppConfig { return cfg }
		meteringConfigFn := func() model.Config { return cfg.Metering }

		sched := scheduler.New(st, meteringConfigFn)
		cron := scheduler.NewCronRunner(sched, q)
		if err := cron.Start(ctx); err != nil {
			log.WithError(err).Fatal("failed to start cron scheduler")
		}
		defer cron.Stop()

		aggProcessor := aggregation.NewProcessor(st, locks, q, meteringConfigFn).WithMetrics(m)
		aggPool := worker.NewPool(q, aggProcessor, worker.DefaultConfig(aggregation.QueueName))
		aggPool.Start(ctx)
		defer aggPool.Stop()

		webhookProcessor := webhook.NewProcessor(st, cfg.DryRun).WithMetrics(m)
		webhookPool := worker.NewPool(q, webhookProcessor, worker.DefaultConfig(aggregation.WebhookQueueName))
		webhookPool.Start(ctx)
		defer webhookPool.Stop()

		handlers := &api.Handlers{
			Store:     st,
			Config:    configFn,
			Ingest:    ingest.NewService(st),
			Scheduler: sched,
			Queue:     q,
			Metrics:   m,
			Log:       log,
		}
		e := api.NewServer(handlers)

		go func() {
			log.WithField("addr", cfg.HTTPAddr).Info("starting HTTP server")
			if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Fatal("HTTP server failed")
			}
		}()

		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("HTTP shutdown did not complete cleanly")
		}
	},
}

// triggerCmd runs one manual aggregation pass against a running store and
// queue, the CLI equivalent of POST /aggregations/trigger.
var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "run one manual aggregation pass and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		log := newLogger(cfg)
		ctx := context.Background()

		st, err := openStore(ctx, cfg)
		if err != nil {
			log.WithError(err).Fatal("failed to open store")
		}
		q, _, err := openQueue(cfg)
		if err != nil {
			log.WithError(err).Fatal("failed to open queue")
		}
		defer q.Close()

		sched := scheduler.New(st, func() model.Config { return cfg.Metering })
		result, err := sched.RunTrigger(ctx, q)
		if err != nil {
			log.WithError(err).Fatal("manual trigger failed")
		}

		fmt.Printf("jobsCreated=%d jobsUpdated=%d jobsQueued=%d customersFound=%d periodsConfigured=%d eventsScanned=%d\n",
			result.JobsCreated, result.JobsUpdated, result.JobsQueued, result.CustomersFound, result.PeriodsConfigured, result.EventsScanned)
	},
}

// configCmd loads the effective configuration and prints it, secrets
// redacted, for operational inspection without starting the server.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		redacted := api.RedactSecrets(cfg)
		data, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "meteringd: failed to render configuration:", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	},
}
