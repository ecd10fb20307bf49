// Package config loads the runtime settings of the cart service from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config aggregates all runtime settings required by the service.
type Config struct {
	NodeID          string        `env:"CART_NODE_ID"          envDefault:"node-1"`
	ShutdownTimeout time.Duration `env:"CART_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	Journal     JournalConfig     `envPrefix:"CART_JOURNAL_"`
	ReadModel   ReadModelConfig   `envPrefix:"CART_READMODEL_"`
	Sharding    ShardingConfig    `envPrefix:"CART_SHARDING_"`
	Projections ProjectionsConfig `envPrefix:"CART_PROJECTIONS_"`
	Publisher   PublisherConfig   `envPrefix:"CART_PUBLISHER_"`
	Orders      OrdersConfig      `envPrefix:"CART_ORDERS_"`
	Logger      LoggerConfig      `envPrefix:"CART_LOG_"`
}

// JournalConfig selects the event journal. An empty PostgresDSN runs the in-memory journal.
// ReplicaDSN optionally points projections at a read replica.
type JournalConfig struct {
	PostgresDSN   string `env:"POSTGRES_DSN"`
	ReplicaDSN    string `env:"REPLICA_DSN"`
	CreateSchema  bool   `env:"CREATE_SCHEMA"  envDefault:"true"`
	NumberOfTags  int    `env:"TAGS"           envDefault:"3"`
	SnapshotEvery int    `env:"SNAPSHOT_EVERY" envDefault:"100"`
}

// ReadModelConfig selects the database of offsets and read models.
type ReadModelConfig struct {
	Dialect string `env:"DIALECT" envDefault:"sqlite3"`
	DSN     string `env:"DSN"     envDefault:"./data/readmodel.db"`
}

// ShardingConfig sizes the entity shards.
type ShardingConfig struct {
	NumberOfShards int           `env:"SHARDS"       envDefault:"64"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"2m"`
	AskTimeout     time.Duration `env:"ASK_TIMEOUT"  envDefault:"5s"`
}

// ProjectionsConfig tunes the projection runners.
type ProjectionsConfig struct {
	PollInterval   time.Duration `env:"POLL_INTERVAL"    envDefault:"1s"`
	PageSize       int           `env:"PAGE_SIZE"        envDefault:"100"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY"  envDefault:"10s"`
	BoltOffsetPath string        `env:"BOLT_OFFSET_PATH" envDefault:"./data/offsets.db"`
}

// PublisherConfig configures the Redis Streams producer. An empty RedisURL disables publishing.
type PublisherConfig struct {
	RedisURL   string `env:"REDIS_URL"`
	Topic      string `env:"TOPIC"      envDefault:"shopping-cart-events"`
	Partitions int    `env:"PARTITIONS" envDefault:"3"`
	MaxLen     int64  `env:"MAX_LEN"    envDefault:"0"`
}

// OrdersConfig configures the order service client. An empty URL disables order notification.
type OrdersConfig struct {
	URL             string        `env:"URL"`
	Timeout         time.Duration `env:"TIMEOUT"          envDefault:"5s"`
	AskTimeout      time.Duration `env:"ASK_TIMEOUT"      envDefault:"5s"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS"     envDefault:"5"`
	ParkingPath     string        `env:"PARKING_PATH"     envDefault:"./data/parked-orders.db"`
	RedriveInterval time.Duration `env:"REDRIVE_INTERVAL" envDefault:"1m"`
	RedriveBatch    int           `env:"REDRIVE_BATCH"    envDefault:"50"`
}

// LoggerConfig configures zap.
type LoggerConfig struct {
	Level    string `env:"LEVEL"    envDefault:"info"`
	Encoding string `env:"ENCODING" envDefault:"json"`
}

var (
	// ErrParsingConfigFailed is returned when an environment variable has an invalid value.
	ErrParsingConfigFailed = errors.New("parsing the configuration failed")

	// ErrInvalidConfig is returned for values that parse but cannot work.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Load reads the given .env files (".env" when none is given, missing files are ignored) into the
// process environment and parses it. Variables already set win over the files.
func Load(dotenvPaths ...string) (Config, error) {
	if len(dotenvPaths) == 0 {
		dotenvPaths = []string{".env"}
	}

	for _, path := range dotenvPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		if err := godotenv.Load(path); err != nil {
			return Config{}, errors.Join(ErrParsingConfigFailed, err)
		}
	}

	return parse(env.Options{})
}

// Parse parses environment instead of the process environment.
func Parse(environment map[string]string) (Config, error) {
	return parse(env.Options{Environment: environment})
}

func parse(options env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, options); err != nil {
		return Config{}, errors.Join(ErrParsingConfigFailed, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.NodeID == "":
		return fmt.Errorf("%w: CART_NODE_ID must not be empty", ErrInvalidConfig)
	case c.Journal.NumberOfTags <= 0:
		return fmt.Errorf("%w: CART_JOURNAL_TAGS must be positive", ErrInvalidConfig)
	case c.Sharding.NumberOfShards <= 0:
		return fmt.Errorf("%w: CART_SHARDING_SHARDS must be positive", ErrInvalidConfig)
	case c.ReadModel.Dialect != "postgres" && c.ReadModel.Dialect != "sqlite3":
		return fmt.Errorf("%w: CART_READMODEL_DIALECT must be postgres or sqlite3", ErrInvalidConfig)
	case c.Publisher.Partitions <= 0:
		return fmt.Errorf("%w: CART_PUBLISHER_PARTITIONS must be positive", ErrInvalidConfig)
	}

	return nil
}
