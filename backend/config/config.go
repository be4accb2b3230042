package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"collabSync/backend/internal/session"
	"collabSync/backend/internal/snapshot"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// debug/info/warn/error
		LogLevel string `mapstructure:"log_level"`
		// 开发环境用彩色控制台输出
		Pretty bool `mapstructure:"pretty"`
	} `mapstructure:"running"`
	Storage struct {
		// 操作日志后端，见 oplog.Open
		OplogDSN string `mapstructure:"oplog_dsn"`
		// 文档元数据与快照；为空时使用进程内存
		MysqlDSN string `mapstructure:"mysql_dsn"`
	} `mapstructure:"storage"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		Workers   int      `mapstructure:"workers"`
		QueueSize int      `mapstructure:"queue_size"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 本地校验 JWT 的密钥
		Secret string `mapstructure:"secret"`
		// 配置后改为调用远程认证服务的 /v1/auth/verify
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	CORS struct {
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`
	WS struct {
		// 同时处理的提交数
		Concurrency int `mapstructure:"concurrency"`
	} `mapstructure:"ws"`
	Session  session.Options `mapstructure:"session"`
	Snapshot snapshot.Policy `mapstructure:"snapshot"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.log_level", "info")
	v.SetDefault("running.pretty", false)
	v.SetDefault("storage.oplog_dsn", "")
	v.SetDefault("storage.mysql_dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.path", "")
	v.SetDefault("cors.origins", []string{})
	v.SetDefault("ws.concurrency", 64)

	so := session.DefaultOptions()
	v.SetDefault("session.window", so.Window)
	v.SetDefault("session.outbox_size", so.OutboxSize)
	v.SetDefault("session.inbox_size", so.InboxSize)
	v.SetDefault("session.heartbeat_interval", so.HeartbeatInterval)
	v.SetDefault("session.heartbeat_timeout", so.HeartbeatTimeout)
	v.SetDefault("session.append_timeout", so.AppendTimeout)
	v.SetDefault("session.max_append_retries", so.MaxAppendRetries)
	v.SetDefault("session.idle_timeout", so.IdleTimeout)
	v.SetDefault("session.max_replay", so.MaxReplay)
	v.SetDefault("session.presence_ttl", so.PresenceTTL)

	sp := snapshot.DefaultPolicy()
	v.SetDefault("snapshot.every_ops", sp.EveryOps)
	v.SetDefault("snapshot.interval", sp.Interval)
	v.SetDefault("snapshot.keep_tail", sp.KeepTail)
}

// Load 读取 collabConfig.yaml，环境变量 COLLAB_<SECTION>_<KEY> 覆盖文件中的值。
// 不传 paths 时兼容从项目根目录或 backend 目录启动。
func Load(paths ...string) (*Config, *viper.Viper, error) {
	// .env 不存在不算错误
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Running.Port <= 0 || cfg.Running.Port > 65535 {
		return nil, fmt.Errorf("invalid running.port %d", cfg.Running.Port)
	}
	if hb := cfg.Session; hb.HeartbeatTimeout > 0 && hb.HeartbeatInterval >= hb.HeartbeatTimeout {
		return nil, fmt.Errorf("session.heartbeat_interval %v must be shorter than session.heartbeat_timeout %v", hb.HeartbeatInterval, hb.HeartbeatTimeout)
	}
	return cfg, nil
}

// Watch 配置文件变化时回调。只有快照策略支持热更新，其它字段需要重启。
func Watch(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}
