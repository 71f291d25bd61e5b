package monrel

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the database connection settings.
type Config struct {
	// URI is the MongoDB connection string.
	URI string `yaml:"uri"`

	// Database is the database queries run against.
	Database string `yaml:"database"`

	// DatabaseAlias is the logical name queries use to target this
	// database. Cross-database subqueries are rejected at compile time.
	DatabaseAlias string `yaml:"database_alias"`

	// ConnectTimeout bounds the initial server selection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// CacheSize is the number of compiled pipelines kept in memory.
	// Zero uses the default, negative disables caching.
	CacheSize int `yaml:"cache_size"`

	// Debug enables pipeline logging on every query.
	Debug bool `yaml:"debug"`
}

const defaultCacheSize = 5000

// ReadConfig loads a Config from a YAML file.
func ReadConfig(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, errors.Wrap(err, "parse config")
	}
	return c, c.validate()
}

func (c Config) validate() error {
	if c.URI == "" {
		return errors.New("config: uri is required")
	}
	if c.Database == "" {
		return errors.New("config: database is required")
	}
	return nil
}
