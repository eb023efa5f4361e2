package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/report"
)

// Config represents the application configuration
type Config struct {
	Source      db.ConnInfo `yaml:"source"`
	Destination db.ConnInfo `yaml:"destination"`
	SourceID    string      `yaml:"source_id"`

	BatchSize          int  `yaml:"batch_size"`
	SubTransactionRows int  `yaml:"sub_transaction_rows"`
	Workers            int  `yaml:"workers"`
	Persist            bool `yaml:"persist"`
	DryRun             bool `yaml:"dry_run"`
	ExcludeUUIDMatches bool `yaml:"exclude_uuid_matches"`

	// Catalogue is a YAML catalogue path; empty uses the embedded OpenMRS one.
	Catalogue string `yaml:"catalogue"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Output    string `yaml:"output"`

	NotifyURLs  []string        `yaml:"notify_urls"`
	Report      string          `yaml:"report"`
	S3          report.S3Config `yaml:"s3"`
	MetricsFile string          `yaml:"metrics_file"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		BatchSize:          1000,
		SubTransactionRows: 100000,
		Workers:            4,
		Persist:            true,
		ExcludeUUIDMatches: true,
		LogLevel:           "info",
		LogFormat:          "json",
		Output:             "table",
	}
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables (BEEHIVE_*)
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. path, or ~/.config/beehive/config.yaml when path is empty (YAML)
// 4. Built-in defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := loadYAMLConfig(cfg, path); err != nil {
		return nil, err
	}

	// .env.local never overrides variables already set in the environment
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.SourceID == "" {
		cfg.SourceID = defaultSourceID(cfg.Source)
	}
	return cfg, nil
}

// loadYAMLConfig reads path, or the user config file when path is empty. A
// missing user config file is not an error; a missing explicit one is.
func loadYAMLConfig(cfg *Config, path string) error {
	explicit := path != ""
	if !explicit {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(homeDir, ".config", "beehive", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	applyConnEnv(&cfg.Source, "BEEHIVE_SOURCE_")
	applyConnEnv(&cfg.Destination, "BEEHIVE_DEST_")

	if v := os.Getenv("BEEHIVE_SOURCE_ID"); v != "" {
		cfg.SourceID = v
	}
	for env, dst := range map[string]*int{
		"BEEHIVE_BATCH_SIZE":           &cfg.BatchSize,
		"BEEHIVE_SUB_TRANSACTION_ROWS": &cfg.SubTransactionRows,
		"BEEHIVE_WORKERS":              &cfg.Workers,
	} {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", env, v, err)
			}
			*dst = n
		}
	}
	for env, dst := range map[string]*bool{
		"BEEHIVE_PERSIST":              &cfg.Persist,
		"BEEHIVE_DRY_RUN":              &cfg.DryRun,
		"BEEHIVE_EXCLUDE_UUID_MATCHES": &cfg.ExcludeUUIDMatches,
	} {
		if v := os.Getenv(env); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", env, v, err)
			}
			*dst = b
		}
	}
	if v := os.Getenv("BEEHIVE_CATALOGUE"); v != "" {
		cfg.Catalogue = v
	}
	if v := os.Getenv("BEEHIVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BEEHIVE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("BEEHIVE_OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv("BEEHIVE_NOTIFY_URLS"); v != "" {
		cfg.NotifyURLs = strings.Split(v, ",")
	}
	if v := os.Getenv("BEEHIVE_REPORT"); v != "" {
		cfg.Report = v
	}
	if v := os.Getenv("BEEHIVE_METRICS_FILE"); v != "" {
		cfg.MetricsFile = v
	}
	if v := os.Getenv("BEEHIVE_S3_REGION"); v != "" {
		cfg.S3.Region = v
	}
	if v := os.Getenv("BEEHIVE_S3_ENDPOINT"); v != "" {
		cfg.S3.Endpoint = v
	}
	if v := getEnvOrFile("BEEHIVE_S3_ACCESS_KEY_ID", "BEEHIVE_S3_ACCESS_KEY_ID_FILE"); v != "" {
		cfg.S3.AccessKeyID = v
	}
	if v := getEnvOrFile("BEEHIVE_S3_SECRET_ACCESS_KEY", "BEEHIVE_S3_SECRET_ACCESS_KEY_FILE"); v != "" {
		cfg.S3.SecretAccessKey = v
	}
	return nil
}

func applyConnEnv(c *db.ConnInfo, prefix string) {
	if v := os.Getenv(prefix + "DRIVER"); v != "" {
		c.Driver = v
	}
	if v := os.Getenv(prefix + "HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv(prefix + "PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv(prefix + "USER"); v != "" {
		c.User = v
	}
	if v := getEnvOrFile(prefix+"PASSWORD", prefix+"PASSWORD_FILE"); v != "" {
		c.Password = v
	}
	if v := os.Getenv(prefix + "DATABASE"); v != "" {
		c.Database = v
	}
	if v := os.Getenv(prefix + "PATH"); v != "" {
		c.Path = v
	}
}

func defaultSourceID(c db.ConnInfo) string {
	if c.Database != "" {
		return c.Database
	}
	if c.Path != "" {
		return strings.TrimSuffix(filepath.Base(c.Path), filepath.Ext(c.Path))
	}
	return ""
}

// Validate reports settings a merge cannot run with.
func (c *Config) Validate() error {
	if err := validateConn("source", c.Source); err != nil {
		return err
	}
	if err := validateConn("destination", c.Destination); err != nil {
		return err
	}
	if c.SourceID == "" {
		return fmt.Errorf("source_id not specified")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.SubTransactionRows <= 0 {
		return fmt.Errorf("sub_transaction_rows must be positive, got %d", c.SubTransactionRows)
	}
	if c.SubTransactionRows < c.BatchSize {
		return fmt.Errorf("sub_transaction_rows (%d) must not be smaller than batch_size (%d)", c.SubTransactionRows, c.BatchSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}

func validateConn(name string, c db.ConnInfo) error {
	switch strings.ToLower(c.Driver) {
	case "":
		return fmt.Errorf("%s driver not specified", name)
	case "sqlite", "sqlite3":
		if c.Path == "" {
			return fmt.Errorf("%s path not specified", name)
		}
	default:
		if c.Host == "" || c.Database == "" {
			return fmt.Errorf("%s host and database must be specified", name)
		}
	}
	return nil
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		if dir == homeDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
