// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/multi-agent/go-agui/pkg/errors"
	"github.com/multi-agent/go-agui/pkg/util"
)

// 存储后端。
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendPebble   = "pebble"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// HTTP
	ListenAddr     string        `env:"AGUI_LISTEN_ADDR" default:":8088"`
	SSEKeepAlive   time.Duration `env:"AGUI_SSE_KEEPALIVE" default:"15s" min:"1s"`
	RateLimitRPS   float64       `env:"AGUI_RATE_LIMIT_RPS" default:"20" min:"0"` // 0 = 不限流
	RateLimitBurst int           `env:"AGUI_RATE_LIMIT_BURST" default:"40" min:"1"`
	MetricsEnabled bool          `env:"AGUI_METRICS_ENABLED" default:"true"`

	// 代理端点
	AgentURL          string        `env:"AGUI_AGENT_URL"`
	AgentTimeout      time.Duration `env:"AGUI_AGENT_TIMEOUT" default:"10m" min:"1s"`
	AgentErrBodyLimit int           `env:"AGUI_AGENT_ERROR_BODY_LIMIT" default:"4096" min:"0"`

	// 引擎
	TitleRunes int  `env:"AGUI_TITLE_RUNES" default:"20" min:"1"`
	Debug      bool `env:"AGUI_DEBUG" default:"false"`

	// 存储
	StorageBackend   string        `env:"AGUI_STORAGE" default:"memory"`
	SQLitePath       string        `env:"AGUI_SQLITE_PATH" default:".agui/threads.db"`
	PebbleDir        string        `env:"AGUI_PEBBLE_DIR" default:".agui/pebble"`
	AutosaveDebounce time.Duration `env:"AGUI_AUTOSAVE_DEBOUNCE" default:"500ms" min:"10ms"`
	MigrationsDir    string        `env:"AGUI_MIGRATIONS_DIR"` // 空 = 使用内置迁移

	// PostgreSQL
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"AGUI_LOG_DIR"`
	LogToDB  bool   `env:"AGUI_LOG_TO_DB" default:"false"`
	AppEnv   string `env:"APP_ENV" default:"development"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	return &cfg
}

// LoadDotEnv 依次加载 .env 文件; 文件不存在时忽略, 已有环境变量不会被覆盖。
// 未传路径时加载当前目录的 .env。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return apperrors.Wrapf(err, "config.LoadDotEnv", "load %s", p)
		}
	}
	return nil
}

// Validate 检查跨字段约束。
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory, BackendSQLite, BackendPebble:
	case BackendPostgres:
		if c.PostgresConnStr == "" {
			return apperrors.New("Config.Validate", "POSTGRES_CONNECTION_STRING is required for postgres storage")
		}
	default:
		return apperrors.Newf("Config.Validate", "unknown storage backend %q", c.StorageBackend)
	}
	if c.PostgresPoolMinSize > c.PostgresPoolMaxSize {
		return apperrors.Newf("Config.Validate", "pool min size %d exceeds max size %d", c.PostgresPoolMinSize, c.PostgresPoolMaxSize)
	}
	return nil
}
