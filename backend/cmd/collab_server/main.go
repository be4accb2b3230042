package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"collabSync/backend/config"
	"collabSync/backend/internal/access"
	"collabSync/backend/internal/auth"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/httpapi"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/httpapi/middleware"
	"collabSync/backend/internal/oplog"
	"collabSync/backend/internal/session"
	"collabSync/backend/internal/snapshot"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

// 文档元数据、权限和快照共用一个存储
type metadataStore interface {
	handlers.DocumentStore
	access.Repository
	snapshot.Store
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Running.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	}
	level, err := zerolog.ParseLevel(cfg.Running.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func main() {
	cfg, v, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	if err := run(cfg, logger, func(m *snapshot.Manager) {
		config.Watch(v, func(c *config.Config) { m.SetPolicy(c.Snapshot) })
	}); err != nil {
		logger.Fatal().Err(err).Msg("collab server stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger, watch func(*snapshot.Manager)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === 操作日志 ===
	opLog, err := oplog.Open(ctx, cfg.Storage.OplogDSN)
	if err != nil {
		return fmt.Errorf("open oplog: %w", err)
	}
	defer opLog.Close()

	// === 元数据 ===
	var meta metadataStore
	if cfg.Storage.MysqlDSN != "" {
		db, err := store.InitMySQL(cfg.Storage.MysqlDSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		gs, err := store.NewGormStore(db)
		if err != nil {
			return err
		}
		defer gs.Close()
		meta = gs
	} else {
		logger.Warn().Msg("storage.mysql_dsn not set, documents are kept in memory")
		meta = store.NewMemoryStore()
	}

	// === Redis：在线成员 + 快照缓存 ===
	var snapshots snapshot.Store = meta
	presence := cache.NewMemoryPresence()
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
		snapshots = cache.NewSnapshotCache(meta, rdb, logger)
	}

	gate := access.NewGate(meta)
	compactor := snapshot.NewManager(snapshots, opLog, cfg.Snapshot, logger)
	deps := session.Deps{
		Log:       opLog,
		Gate:      gate,
		Snapshots: snapshots,
		Compactor: compactor,
		Presence:  presence,
	}

	// === Kafka Producer（可选）===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
			}, logger)
		deps.Events = dispatcher
	}

	coord := session.NewCoordinator(deps, cfg.Session, logger)
	compactor.SetSource(coord)
	compactor.Start(ctx)
	if watch != nil {
		watch(compactor)
	}

	var authMW gin.HandlerFunc
	if cfg.Auth.Path != "" {
		// 关键：由认证服务校验 token 并写入 userId/username
		authMW = middleware.RemoteAuth(cfg.Auth.Path)
	} else {
		authMW = middleware.LocalAuth(auth.NewSigner(cfg.Auth.Secret, ""))
	}
	router := httpapi.NewRouter(httpapi.RouterDeps{
		Auth:         authMW,
		Documents:    handlers.NewDocuments(meta, gate, coord, presence),
		WS:           ws.NewManager(coord, collab.NewSemaphoreControl(cfg.WS.Concurrency), logger),
		AllowOrigins: cfg.CORS.Origins,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Running.Port).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// 先停止接入，再让文档落快照，最后清空事件队列
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("coordinator close")
	}
	if err := compactor.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("snapshot manager close")
	}
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("kafka dispatcher close")
		}
	}
	return nil
}
