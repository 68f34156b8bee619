package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/httpd"
	"github.com/openlearnhq/coursemedia/pkg/lessons"
	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/notify"
	"github.com/openlearnhq/coursemedia/pkg/provider"
	"github.com/openlearnhq/coursemedia/pkg/statestore"
	"github.com/openlearnhq/coursemedia/pkg/taskqueue"
	"github.com/openlearnhq/coursemedia/pkg/tus"
	"github.com/openlearnhq/coursemedia/pkg/upload"
	"github.com/openlearnhq/coursemedia/pkg/webhook"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion API server",
	Long: `Start the coursemedia server: the upload API, the resumable chunk
endpoints, the processing webhook, the transfer worker, and the
websocket status fanout.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("listen_addr", ":8080", "HTTP listen address")
	f.String("log_level", "info", "Log level (trace, debug, info, warn, error)")
	f.String("jwt_secret", "", "HMAC secret for bearer tokens (empty disables auth)")

	f.String("redis_addr", "localhost:6379", "Redis address for state, queue and fanout")
	f.String("redis_password", "", "Redis password")
	f.Int("redis_db", 0, "Redis database number")
	f.String("notify_channel", notify.DefaultChannel, "Pub/sub channel for status events")

	f.String("queue", "redis", "Transfer queue backend (redis or memory)")
	f.Int("worker_concurrency", taskqueue.DefaultConcurrency, "Concurrent transfer workers")
	f.Duration("worker_poll_interval", taskqueue.DefaultPollInterval, "Worker poll interval")

	f.Bool("managed_enabled", false, "Enable the managed video backend")
	f.String("managed_api_url", "", "Managed backend API URL")
	f.String("managed_library_id", "", "Managed backend library id")
	f.String("managed_api_key", "", "Managed backend API key")
	f.Duration("managed_upload_expiry", time.Hour, "Direct-upload window for managed uploads")

	f.String("s3_bucket", "", "Object store bucket (empty disables the object-store backend)")
	f.String("s3_region", "us-east-1", "Object store region")
	f.String("s3_endpoint", "", "Object store endpoint (empty for AWS)")
	f.String("s3_access_key", "", "Object store access key id")
	f.String("s3_secret_key", "", "Object store secret access key")
	f.Bool("s3_path_style", false, "Use path-style object store addressing")
	f.String("s3_public_base_url", "", "Public retrieval prefix for finished assets")
	f.Int64("s3_part_size", provider.DefaultPartSize, "Part size advertised to chunk clients")

	f.String("postgres_dsn", "", "Course database DSN for lesson write-back (empty disables)")

	viper.BindPFlags(f)
}

func runServe(cmd *cobra.Command, args []string) {
	loadConfiguration("coursemedia")
	fl := NewFlagLoader(cmd)

	if level, err := zerolog.ParseLevel(fl.String("log_level")); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:     fl.String("redis_addr"),
		Password: fl.String("redis_password"),
		DB:       fl.Int("redis_db"),
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("serve: redis unreachable")
	}
	cancel()
	defer client.Close()

	channel := fl.String("notify_channel")
	publisher := notify.NewPublisherWithClient(client, channel)
	store := statestore.NewWithClient(client, statestore.DefaultConfig(), publisher)

	var managed *provider.Managed
	if fl.Bool("managed_enabled") {
		cfg := provider.DefaultManagedConfig()
		cfg.Enabled = true
		if v := fl.String("managed_api_url"); v != "" {
			cfg.APIURL = v
		}
		cfg.LibraryID = fl.String("managed_library_id")
		cfg.APIKey = fl.String("managed_api_key")
		cfg.UploadExpiry = fl.Duration("managed_upload_expiry")
		managed = provider.NewManaged(cfg)
	}

	var objects *provider.ObjectStore
	if bucket := fl.String("s3_bucket"); bucket != "" {
		cfg := provider.DefaultObjectStoreConfig()
		cfg.Bucket = bucket
		cfg.Region = fl.String("s3_region")
		cfg.Endpoint = fl.String("s3_endpoint")
		cfg.AccessKeyID = fl.String("s3_access_key")
		cfg.SecretAccessKey = fl.String("s3_secret_key")
		cfg.PathStyle = fl.Bool("s3_path_style")
		cfg.PublicBaseURL = fl.String("s3_public_base_url")
		cfg.PartSize = fl.Int64("s3_part_size")

		s3c, err := provider.NewS3Client(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("serve: object store client")
		}
		objects = provider.NewObjectStore(s3c, cfg)
	}

	if managed == nil && objects == nil {
		logger.Fatal().Msg("serve: no storage backend configured")
	}

	var queue taskqueue.Queue
	switch fl.String("queue") {
	case "memory":
		queue = taskqueue.NewMemoryQueue()
	default:
		queue = taskqueue.NewRedisQueue(client)
	}
	defer queue.Close()

	hostname, _ := os.Hostname()
	worker := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:           hostname,
		Queue:        queue,
		Concurrency:  fl.Int("worker_concurrency"),
		PollInterval: fl.Duration("worker_poll_interval"),
	})
	if managed != nil {
		worker.RegisterHandler(taskqueue.NewTransferHandler(managed, func(ctx context.Context, res taskqueue.TransferResult) {
			_, err := store.MarkUploaded(ctx, res.UploadID, statestore.UploadedFields{
				FileKey:        res.FileKey,
				FileURL:        res.FileURL,
				BackendVideoID: res.BackendVideoID,
				Provider:       upload.ProviderManaged,
			})
			if err != nil {
				logger.Error().Err(err).Str("upload_id", res.UploadID).Msg("serve: record transfer result")
			}
		}))
	}
	worker.Start(ctx)

	hub := notify.NewHub()
	subscriber := notify.NewSubscriber(client, channel, hub)
	subscriber.Start(ctx)

	var lessonStore lessons.Store = lessons.Noop{}
	if dsn := fl.String("postgres_dsn"); dsn != "" {
		pg, err := lessons.NewPostgres(ctx, lessons.Config{DSN: dsn})
		if err != nil {
			logger.Fatal().Err(err).Msg("serve: course database unreachable")
		}
		defer pg.Close()
		lessonStore = pg
	}

	intake := webhook.NewIntake(store, publisher, lessonStore)

	server := httpd.New(httpd.Config{
		ListenAddr: fl.String("listen_addr"),
		JWTSecret:  fl.String("jwt_secret"),
	}, httpd.Deps{
		Store:    store,
		Managed:  managed,
		Objects:  objects,
		Sessions: tus.NewManager(store, objects),
		Queue:    queue,
		Intake:   intake,
		Hub:      hub,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("serve: http server")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("serve: shutting down")

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("serve: http shutdown")
	}
	worker.Stop()
	subscriber.Stop()
}
