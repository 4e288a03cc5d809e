// Package config reads node settings from the environment. A .env file in
// the working directory is loaded first when present.
package config

import (
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/guard"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/joho/godotenv"
)

type Storage string

const (
	StorageMemory Storage = "memory"
	StorageSQL    Storage = "sql"
	StorageRedis  Storage = "redis"
	StorageS3     Storage = "s3"
)

type Config struct {
	AuthoritySeed uint64
	Storage       Storage
	DBDriver      string
	DBDSN         string
	RedisAddr     string
	RedisPassword string
	S3Bucket      string
	S3Prefix      string
	NatsURL       string
	HTTPPort      string
	LogLevel      string
	LogJSON       bool

	PollInterval     time.Duration
	CeremonyTimeout  time.Duration
	FlowBudget       uint64
	FlowBaseCost     uint64
	FlowCostPerKB    uint64
	SnapshotCron     string
	AntiEntropyCron  string
	SnapshotGC       journal.GCPolicy
	StorageKey       []byte
	OTelEnabled      bool
	BreakerThreshold int
	BreakerOpenFor   time.Duration
}

func envString(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envUint(k string, def uint64) (uint64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, auraerr.Wrapf(auraerr.KindInvalid, "config.load", err, "%s", k)
	}
	return n, nil
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, auraerr.Wrapf(auraerr.KindInvalid, "config.load", err, "%s", k)
	}
	return n, nil
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

// envMillis reads a millisecond count as a duration.
func envMillis(k string, def time.Duration) (time.Duration, error) {
	n, err := envUint(k, uint64(def/time.Millisecond))
	return time.Duration(n) * time.Millisecond, err
}

// Load reads the environment. Unparseable values are KindInvalid errors.
func Load() (Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		log.Println("Warning: Could not load .env file:", err)
	}
	return FromEnv()
}

// FromEnv is Load without the .env file.
func FromEnv() (Config, error) {
	const op = "config.load"
	c := Config{
		Storage:         Storage(envString("AURA_STORAGE", string(StorageMemory))),
		DBDriver:        envString("AURA_DB_DRIVER", "pgx"),
		DBDSN:           envString("AURA_DB_DSN", ""),
		RedisAddr:       envString("AURA_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("AURA_REDIS_PASSWORD"),
		S3Bucket:        envString("AURA_S3_BUCKET", ""),
		S3Prefix:        envString("AURA_S3_PREFIX", "aura/"),
		NatsURL:         envString("AURA_NATS_URL", ""),
		HTTPPort:        envString("AURA_HTTP_PORT", "8081"),
		LogLevel:        envString("AURA_LOG_LEVEL", "info"),
		LogJSON:         envBool("AURA_LOG_JSON", false),
		SnapshotCron:    envString("AURA_SNAPSHOT_CRON", "@every 10m"),
		AntiEntropyCron: envString("AURA_ANTI_ENTROPY_CRON", "@every 30s"),
		OTelEnabled:     envBool("AURA_OTEL_ENABLE", false),
	}
	var err error
	if c.AuthoritySeed, err = envUint("AURA_AUTHORITY_SEED", 0); err != nil {
		return Config{}, err
	}
	if c.PollInterval, err = envMillis("AURA_POLL_INTERVAL_MS", 50*time.Millisecond); err != nil {
		return Config{}, err
	}
	if c.CeremonyTimeout, err = envMillis("AURA_CEREMONY_TIMEOUT_MS", 30*time.Second); err != nil {
		return Config{}, err
	}
	if c.FlowBudget, err = envUint("AURA_FLOW_BUDGET", 100_000); err != nil {
		return Config{}, err
	}
	if c.FlowBaseCost, err = envUint("AURA_FLOW_BASE_COST", guard.DefaultBaseCost); err != nil {
		return Config{}, err
	}
	if c.FlowCostPerKB, err = envUint("AURA_FLOW_COST_PER_KB", guard.DefaultCostPerKB); err != nil {
		return Config{}, err
	}
	if c.BreakerThreshold, err = envInt("AURA_CB_THRESHOLD", 3); err != nil {
		return Config{}, err
	}
	secs, err := envInt("AURA_CB_OPEN_SECONDS", 30)
	if err != nil {
		return Config{}, err
	}
	c.BreakerOpenFor = time.Duration(secs) * time.Second

	switch gc := envString("AURA_SNAPSHOT_GC", "never"); gc {
	case "never":
		c.SnapshotGC = journal.GCNever
	case "receipts":
		c.SnapshotGC = journal.GCReceipts
	default:
		return Config{}, auraerr.Errorf(auraerr.KindInvalid, op, "AURA_SNAPSHOT_GC %q", gc)
	}
	if k := os.Getenv("AURA_STORAGE_KEY"); k != "" {
		b, err := hex.DecodeString(k)
		if err != nil || len(b) != 32 {
			return Config{}, auraerr.New(auraerr.KindInvalid, op, "AURA_STORAGE_KEY must be 32 bytes of hex")
		}
		c.StorageKey = b
	}
	return c, c.Validate()
}

// Validate checks combinations Load cannot catch field by field.
func (c Config) Validate() error {
	const op = "config.validate"
	switch c.Storage {
	case StorageMemory, StorageRedis:
	case StorageSQL:
		if c.DBDSN == "" {
			return auraerr.New(auraerr.KindInvalid, op, "AURA_DB_DSN is required for sql storage")
		}
		if c.DBDriver != "pgx" && c.DBDriver != "sqlite" {
			return auraerr.Errorf(auraerr.KindInvalid, op, "unsupported AURA_DB_DRIVER %q", c.DBDriver)
		}
	case StorageS3:
		if c.S3Bucket == "" {
			return auraerr.New(auraerr.KindInvalid, op, "AURA_S3_BUCKET is required for s3 storage")
		}
	default:
		return auraerr.Errorf(auraerr.KindInvalid, op, "unknown AURA_STORAGE %q", c.Storage)
	}
	if c.PollInterval <= 0 || c.CeremonyTimeout < c.PollInterval {
		return auraerr.New(auraerr.KindInvalid, op, "ceremony timeout must exceed a positive poll interval")
	}
	if c.BreakerThreshold < 1 {
		return auraerr.New(auraerr.KindInvalid, op, "AURA_CB_THRESHOLD must be positive")
	}
	return nil
}

// Guard is the flow cost model.
func (c Config) Guard() guard.Config {
	return guard.Config{BaseCost: c.FlowBaseCost, CostPerKB: c.FlowCostPerKB}
}
