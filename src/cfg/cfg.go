package cfg

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

// Config carries the storage-core knobs. Everything is overridable via
// RELDB_* environment variables.
type Config struct {
	Environment string `split_words:"true" default:"dev"`

	DataDir string `split_words:"true" default:"./data"`

	PoolSize  int `split_words:"true" default:"64"`
	ReplacerK int `split_words:"true" default:"2"`

	DeadlockDetectionIntervalMs int `split_words:"true" default:"50"`
}

func MustLoad() Config {
	var c Config
	envconfig.MustProcess("RELDB", &c)

	if c.Environment != EnvDev && c.Environment != EnvProd {
		panic("invalid environment: " + c.Environment)
	}
	if c.PoolSize <= 0 || c.ReplacerK <= 0 {
		panic("pool size and replacer K must be positive")
	}

	return c
}

func (c Config) DeadlockDetectionInterval() time.Duration {
	return time.Duration(c.DeadlockDetectionIntervalMs) * time.Millisecond
}
