package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"github.com/spf13/cobra"
	"github.com/stephnangue/wearlink/cmd/helpers"
	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/connector"
	"github.com/stephnangue/wearlink/connector/drivers"
	"github.com/stephnangue/wearlink/core"
	wearlinkhttp "github.com/stephnangue/wearlink/http"
	"github.com/stephnangue/wearlink/internal/configutil"
	"github.com/stephnangue/wearlink/internal/telemetry"
	"github.com/stephnangue/wearlink/listener"
	"github.com/stephnangue/wearlink/listener/api"
	log "github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/physical"
	dynamodbStorage "github.com/stephnangue/wearlink/physical/dynamodb"
	inmemStorage "github.com/stephnangue/wearlink/physical/inmem"
	postgresqlStorage "github.com/stephnangue/wearlink/physical/postgres"
	redisStorage "github.com/stephnangue/wearlink/physical/redis"
	"github.com/stephnangue/wearlink/queue"
	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/tokenstore"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// Subsystem names for logging
	subsystemCore     = "core"
	subsystemListener = "listener"

	shutdownTimeout = 30 * time.Second
)

var (
	configPath string
	flagDev    bool

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a wearlink server that responds to API requests",
		Long: `
Usage: wearlink server [options]

  This command starts a wearlink server that serves the HTTP API and
  receives vendor webhooks.

  Start a server with a configuration file:

      $ wearlink server --config=/etc/wearlink/config.hcl

  Start a throwaway server with in-memory storage, an ephemeral key and an
  in-memory queue:

      $ wearlink server --dev --config=vendors.hcl
  `,
		RunE: run,
	}

	storageBackends = map[string]physical.Factory{
		"inmem":    inmemStorage.NewInmem,
		"postgres": postgresqlStorage.NewPostgreSQLBackend,
		"redis":    redisStorage.NewRedisBackend,
		"dynamodb": dynamodbStorage.NewDynamoDBBackend,
	}

	queueTransports = map[string]queue.Factory{
		"memory": queue.NewMemoryQueue,
		"kafka":  queue.NewKafkaPublisher,
		"redis":  queue.NewRedisPublisher,
		"sqs":    queue.NewSQSPublisher,
	}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/wearlink.hcl)")
	ServerCmd.Flags().BoolVar(&flagDev, "dev", false, "Fill in in-memory storage, an ephemeral key and an in-memory queue where the config has none")
}

func run(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// construct the logger with gate closed during initialization
	logger := buildGatedLogger(conf)

	info := map[string]string{
		"log level":  conf.LogLevel,
		"log format": conf.LogFormat,
	}
	if conf.LogFile != "" {
		info["log file"] = conf.LogFile
		info["log rotate max files"] = fmt.Sprintf("%d", conf.LogRotateMaxFiles)
		info["log rotate max size"] = fmt.Sprintf("%d MB", conf.LogRotateMegabytes)
	}
	if conf.WebhookLog != nil {
		info["webhook log"] = fmt.Sprintf("last %d in memory", conf.WebhookLog.MaxEntries())
		if conf.WebhookLog.Path != "" {
			info["webhook log"] += ", " + conf.WebhookLog.Path
		}
	}

	backend, err := buildStorage(conf, logger, info)
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}
	defer backend.Close()

	wrapper, err := buildWrapper(conf, logger, info)
	if err != nil {
		return err
	}
	defer func() {
		if f, ok := wrapper.(wrapping.InitFinalizer); ok {
			if err := f.Finalize(context.Background()); err != nil {
				fmt.Fprintf(out, "error finalizing kms wrapper: %v\n", err)
			}
		}
	}()

	store, err := tokenstore.NewStore(backend, wrapper, &tokenstore.Config{
		CacheTTL: conf.CacheTTL(),
		Retry:    conf.StorageRetry(),
	}, logger.WithSubsystem("tokenstore"))
	if err != nil {
		return fmt.Errorf("failed to construct the token store: %w", err)
	}

	dispatcher, err := buildDispatcher(conf, logger, info)
	if err != nil {
		store.Close()
		return err
	}

	sink, err := telemetry.Setup()
	if err != nil {
		_ = dispatcher.Close(context.Background())
		store.Close()
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	registry := connector.NewRegistry()
	if err := drivers.RegisterBuiltins(registry); err != nil {
		_ = dispatcher.Close(context.Background())
		store.Close()
		return err
	}

	newCore, err := core.NewCore(&core.CoreConfig{
		Config:     conf,
		Drivers:    registry,
		Store:      store,
		Limiter:    ratelimit.New(conf.MaxRateLimitUsers(), logger.WithSubsystem("ratelimit")),
		Dispatcher: dispatcher,
		Logger:     logger.WithSubsystem(subsystemCore),
	})
	if err != nil {
		_ = dispatcher.Close(context.Background())
		store.Close()
		return fmt.Errorf("error initializing core: %w", err)
	}
	info["vendors"] = strings.Join(newCore.Vendors(), ", ")
	info["pull concurrency"] = fmt.Sprintf("%d", conf.MaxPullConcurrency())

	httpHandler := wearlinkhttp.Handler(&wearlinkhttp.HandlerProperties{
		Core:           newCore,
		Logger:         logger,
		Metrics:        sink,
		RequestTimeout: 2 * time.Minute,
	})

	lns, err := initListeners(httpHandler, conf, logger, info)
	if err != nil {
		_ = newCore.Close(context.Background())
		return err
	}

	var shutdownErrs []error
	var shutdownErrsMu sync.Mutex
	var cleanupGuard sync.Once

	listenerCloseFunc := func() {
		fmt.Fprintf(out, "Stopping all listeners\n")
		for _, ln := range lns {
			if err := ln.Stop(); err != nil {
				shutdownErrsMu.Lock()
				shutdownErrs = append(shutdownErrs, fmt.Errorf("failed to stop %s listener at %s: %w", ln.Type(), ln.Addr(), err))
				shutdownErrsMu.Unlock()
			}
		}
	}
	defer cleanupGuard.Do(listenerCloseFunc)

	printBanner(out, info)
	if flagDev {
		printDevWarning(out)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errChan := make(chan error, len(lns))
	var wg sync.WaitGroup
	for _, ln := range lns {
		wg.Go(func() {
			if err := ln.Start(ctx); err != nil {
				fmt.Fprintf(out, "failed to start listener: %v\n", err)
				errChan <- err
			}
		})
	}

	fmt.Fprintf(out, "\n==> Wearlink server started! Log data will stream in below:\n\n")
	if err := logger.OpenGate(); err != nil {
		fmt.Fprintf(out, "failed to flush startup logs: %v\n", err)
	}

	var listenerErrs []error
	for shutdown := false; !shutdown; {
		select {
		case err := <-errChan:
			listenerErrs = append(listenerErrs, err)
			// Only trigger shutdown if ALL listeners have failed
			if len(listenerErrs) >= len(lns) {
				fmt.Fprintf(out, "All listeners have failed, triggering shutdown\n")
				shutdown = true
			}
		case <-ctx.Done():
			fmt.Fprintf(out, "Wearlink shutdown triggered\n")
			shutdown = true
		}
	}
	cancel()

	// Stop the listeners so that we don't process further client requests
	cleanupGuard.Do(listenerCloseFunc)
	wg.Wait()

	close(errChan)
	for err := range errChan {
		listenerErrs = append(listenerErrs, err)
	}
	if len(listenerErrs) > 0 {
		fmt.Fprintf(out, "Listener errors occurred during runtime: %v\n", errors.Join(listenerErrs...))
	}

	// Drain the publish retries before the transports close
	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	if err := newCore.Close(closeCtx); err != nil {
		shutdownErrs = append(shutdownErrs, fmt.Errorf("core shutdown failed: %w", err))
	}

	if len(shutdownErrs) > 0 {
		err := errors.Join(shutdownErrs...)
		fmt.Fprintf(out, "Shutdown completed with errors: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "Server shutdown completed successfully\n")
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		if !flagDev {
			return nil, fmt.Errorf("config file path is required. Use -c or --config flag")
		}
		conf := &config.Config{}
		applyDevDefaults(conf)
		return conf, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagDev {
		applyDevDefaults(conf)
	}
	return conf, nil
}

func buildGatedLogger(conf *config.Config) *log.GatedLogger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(conf.LogLevel),
		Format:    log.ParseOutputFormat(conf.LogFormat),
		Subsystem: "wearlink",
		Outputs:   []io.Writer{os.Stdout},
	}
	if conf.LogFile != "" {
		logConfig.FileConfig = &log.FileConfig{
			Filename:   conf.LogFile,
			MaxSize:    conf.LogRotateMegabytes,
			MaxBackups: conf.LogRotateMaxFiles,
			Compress:   true,
		}
	}

	gateConfig := log.GatedWriterConfig{
		Underlying:    os.Stdout,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	}

	gatedLogger, _ := log.NewGatedLogger(logConfig, gateConfig)
	return gatedLogger
}

func buildStorage(conf *config.Config, logger log.Logger, info map[string]string) (physical.Backend, error) {
	if conf.Storage == nil {
		return nil, errors.New("a storage backend must be specified")
	}

	factory, exists := storageBackends[conf.Storage.Type]
	if !exists {
		return nil, fmt.Errorf("unknown storage type %s", conf.Storage.Type)
	}

	backend, err := factory(conf.Storage.Config(), logger.WithSubsystem("storage."+conf.Storage.Type))
	if err != nil {
		return nil, fmt.Errorf("error initializing storage of type %s: %w", conf.Storage.Type, err)
	}
	info["storage"] = describe(conf.Storage)
	return backend, nil
}

func buildWrapper(conf *config.Config, logger log.Logger, info map[string]string) (wrapping.Wrapper, error) {
	var keys []string
	kmsInfo := map[string]string{}
	wrapper, err := configutil.ConfigureWrapper(conf.KMS, &keys, &kmsInfo, logger.WithSubsystem("kms"))
	if err != nil {
		return nil, fmt.Errorf("error parsing kms configuration: %w", err)
	}
	info["kms"] = conf.KMS.Type
	for _, k := range keys {
		info[strings.ToLower(k)] = kmsInfo[k]
	}
	return wrapper, nil
}

// buildDispatcher opens the event transport and, when configured, the
// dead-letter transport.
func buildDispatcher(conf *config.Config, logger log.Logger, info map[string]string) (*queue.Dispatcher, error) {
	if conf.Queue == nil {
		return nil, errors.New("a queue transport must be specified")
	}
	publisher, err := openTransport(conf.Queue, logger)
	if err != nil {
		return nil, err
	}
	info["queue"] = describe(conf.Queue)

	var deadLetter queue.Publisher
	if conf.DeadLetter != nil {
		if deadLetter, err = openTransport(conf.DeadLetter, logger); err != nil {
			_ = publisher.Close()
			return nil, fmt.Errorf("dead letter: %w", err)
		}
		info["dead letter"] = describe(conf.DeadLetter)
	}

	workers, buffer := conf.PublishWorkers()
	return queue.NewDispatcher(publisher, deadLetter, &queue.DispatcherConfig{
		Retry:   conf.PublishRetry(),
		Workers: workers,
		Buffer:  buffer,
	}, logger.WithSubsystem("queue")), nil
}

func openTransport(block *config.BackendBlock, logger log.Logger) (queue.Publisher, error) {
	factory, ok := queueTransports[block.Type]
	if !ok {
		return nil, fmt.Errorf("unknown queue type %s", block.Type)
	}
	pub, err := factory(block.Config(), logger.WithSubsystem("queue."+block.Type))
	if err != nil {
		return nil, fmt.Errorf("error initializing queue of type %s: %w", block.Type, err)
	}
	return pub, nil
}

func initListeners(httpHandler http.Handler, conf *config.Config, logger log.Logger, info map[string]string) ([]listener.Listener, error) {
	blocks := conf.Listeners
	if len(blocks) == 0 {
		blocks = []config.ListenerBlock{*conf.GetApiListener()}
	}

	lns := make([]listener.Listener, 0, len(blocks))
	for i := range blocks {
		lnConfig, err := api.ConfigFromBlock(&blocks[i], logger.WithSubsystem(subsystemListener))
		if err != nil {
			return nil, err
		}
		ln, err := api.NewApiListener(lnConfig, httpHandler)
		if err != nil {
			return nil, fmt.Errorf("error initializing listener %q: %w", blocks[i].Name, err)
		}
		scheme := "http"
		if lnConfig.TLSEnabled {
			scheme = "https"
		}
		info["listener "+blocks[i].Name] = scheme + "://" + lnConfig.Address
		lns = append(lns, ln)
	}
	return lns, nil
}

// describe renders a backend block for the banner with secrets masked.
func describe(b *config.BackendBlock) string {
	opts := helpers.MaskConfigFields(b.Config())
	delete(opts, "type")
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+opts[k])
	}
	if len(parts) == 0 {
		return b.Type
	}
	return fmt.Sprintf("%s (%s)", b.Type, strings.Join(parts, ", "))
}

func printBanner(w io.Writer, info map[string]string) {
	keys := make([]string, 0, len(info))
	for k, v := range info {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "\n==> Wearlink server configuration:\n\n")
	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range keys {
		fmt.Fprintf(w, "%24s: %s\n", titleCaser.String(k), info[k])
	}
}
