package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fnwatcher/internal/common/cache"
	commonmw "fnwatcher/internal/common/http/middleware"
	"fnwatcher/internal/common/mq"
	"fnwatcher/internal/common/storage"
	"fnwatcher/internal/watcher/archive"
	"fnwatcher/internal/watcher/controller"
	"fnwatcher/internal/watcher/handler"
	"fnwatcher/internal/watcher/lifecycle"
	"fnwatcher/internal/watcher/notify"
	"fnwatcher/internal/watcher/repository"
	"fnwatcher/internal/watcher/run"
	"fnwatcher/internal/watcher/runner"
	"fnwatcher/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/function_watcher.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath, *configPath != defaultConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if code := serve(appCfg); code != 0 {
		_ = logger.Sync()
		os.Exit(code)
	}
}

func serve(appCfg *AppConfig) int {
	ctx := context.Background()

	var redisCache *cache.RedisCache
	if appCfg.Redis.Addr != "" {
		var err error
		redisCache, err = cache.NewRedisCacheWithConfig(&appCfg.Redis.RedisConfig)
		if err != nil {
			logger.Error(ctx, "init redis failed", zap.Error(err))
			return 1
		}
		defer func() {
			_ = redisCache.Close()
		}()
	}

	notifier, err := buildNotifier(appCfg, redisCache)
	if err != nil {
		logger.Error(ctx, "init notifier failed", zap.Error(err))
		return 1
	}
	defer func() {
		_ = notifier.Close()
	}()

	fn, err := handler.Load(appCfg.Watcher.FunctionDir, appCfg.Watcher.ConfigFile)
	if err != nil {
		logger.Error(ctx, "function handler is not usable", zap.Error(err))
		reportStartupError(notifier, err)
		return 1
	}
	if err := run.PrepareIORoot(appCfg.Watcher.IORoot); err != nil {
		logger.Error(ctx, "prepare io root failed", zap.Error(err))
		reportStartupError(notifier, err)
		return 1
	}

	hooks := []runner.CompletionHook{notify.NewHook(notifier, appCfg.Notifier.Timeout)}
	var statusRepo *repository.StatusRepository
	if redisCache != nil {
		statusRepo = repository.NewStatusRepository(redisCache, appCfg.Redis.StatusTTL)
		hooks = append(hooks, statusRepo)
	}
	if appCfg.MinIO.Endpoint != "" {
		archiver, err := buildArchiver(ctx, appCfg)
		if err != nil {
			logger.Error(ctx, "init archive failed", zap.Error(err))
			reportStartupError(notifier, err)
			return 1
		}
		hooks = append(hooks, archiver)
	}

	w := appCfg.Watcher
	reg := runner.New(w.ParallelRunsLimit, run.Options{
		HandlerPath:   fn.Path,
		HandlerArgs:   fn.Args,
		HandlerDir:    fn.Dir,
		IORoot:        w.IORoot,
		MaxOutputSize: w.MaxOutputSize,
		MaxBufferSize: w.MaxBufferSize,
		KillGrace:     w.KillGrace,
	}, hooks...)
	logger.Info(ctx, "function handler ready",
		zap.String("handler", fn.Path),
		zap.Strings("args", fn.Args),
		zap.Int("runs_limit", reg.Limit()),
	)

	requested := make(chan struct{})
	var requestOnce sync.Once
	requestShutdown := func() {
		requestOnce.Do(func() { close(requested) })
	}
	idle := lifecycle.NewIdleTimer(w.IdleTimeout, func() bool { return reg.Stats().Current > 0 }, requestShutdown)

	var finished controller.StatusStore
	if statusRepo != nil {
		finished = statusRepo
	}
	httpServer := buildHTTPServer(appCfg, reg, finished, idle, requestShutdown)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		reportStartupError(notifier, err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "function watcher started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()
	notifyCtx, cancel := context.WithTimeout(ctx, appCfg.Notifier.Timeout)
	if err := notify.StartupSuccess(notifyCtx, notifier); err != nil {
		logger.Warn(ctx, "notify startup success failed", zap.Error(err))
	}
	cancel()
	idle.Start()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
			code = 1
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	case <-requested:
		logger.Info(ctx, "shutdown requested")
	}
	idle.Stop()

	drainCtx, drainCancel := context.WithTimeout(ctx, appCfg.Server.ShutdownTimeout)
	defer drainCancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	reg.Reset(drainCtx)
	logger.Info(ctx, "function watcher stopped")
	return code
}

func buildNotifier(appCfg *AppConfig, redisCache *cache.RedisCache) (notify.Notifier, error) {
	switch appCfg.Notifier.Driver {
	case notify.DriverRedis:
		return notify.NewRedisNotifier(redisCache, appCfg.Notifier.Channel)
	case notify.DriverKafka:
		producer, err := mq.NewKafkaProducer(appCfg.Kafka)
		if err != nil {
			return nil, err
		}
		return notify.NewKafkaNotifier(producer, appCfg.Notifier.Channel)
	default:
		return notify.Nop{}, nil
	}
}

func buildArchiver(ctx context.Context, appCfg *AppConfig) (*archive.Archiver, error) {
	store, err := storage.NewMinIOStorage(appCfg.MinIO.MinIOConfig)
	if err != nil {
		return nil, err
	}
	bucketCtx, cancel := context.WithTimeout(ctx, appCfg.MinIO.Timeout)
	defer cancel()
	if err := store.EnsureBucket(bucketCtx, appCfg.MinIO.Bucket); err != nil {
		return nil, err
	}
	return archive.NewArchiver(store, appCfg.MinIO.Bucket, appCfg.MinIO.Prefix, appCfg.Watcher.IORoot, appCfg.MinIO.Timeout)
}

func reportStartupError(n notify.Notifier, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultHookTimeout)
	defer cancel()
	if err := notify.StartupError(ctx, n, cause); err != nil {
		logger.Warn(ctx, "notify startup error failed", zap.Error(err))
	}
}

func buildHTTPServer(appCfg *AppConfig, reg *runner.Runner, finished controller.StatusStore, idle *lifecycle.IdleTimer, shutdown func()) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())
	router.Use(idle.Middleware())

	runController := controller.NewRunController(reg, finished, appCfg.Watcher.MaxInputSize, appCfg.Watcher.WatchInterval)
	runController.Register(router.Group("/run"))
	systemController := controller.NewSystemController(reg, idle, shutdown)
	systemController.Register(router.Group(""))

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
