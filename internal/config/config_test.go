package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/beehive/internal/db"
)

// isolate points HOME and the working directory at empty temp dirs so the
// developer's own config files are never read.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	work := filepath.Join(home, "work")
	require.NoError(t, os.MkdirAll(work, 0755))
	t.Chdir(work)
	return home
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadUserConfig(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".config", "beehive", "config.yaml"), `
source:
  driver: mysql
  host: db.clinic-a
  user: openmrs
  database: openmrs_clinic_a
destination:
  driver: mysql
  host: db.central
  database: openmrs
batch_size: 500
persist: false
notify_urls:
  - http://hooks.local/{source}
s3:
  region: eu-west-1
  path_style: true
`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "db.clinic-a", cfg.Source.Host)
	assert.Equal(t, "openmrs_clinic_a", cfg.SourceID)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 100000, cfg.SubTransactionRows)
	assert.False(t, cfg.Persist)
	assert.True(t, cfg.ExcludeUUIDMatches)
	assert.Equal(t, []string{"http://hooks.local/{source}"}, cfg.NotifyURLs)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
	assert.True(t, cfg.S3.PathStyle)
	require.NoError(t, cfg.Validate())
}

func TestLoadExplicitPath(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".config", "beehive", "config.yaml"), "workers: 9\n")
	path := writeFile(t, filepath.Join(home, "merge.yaml"), "workers: 2\nsource:\n  driver: sqlite\n  path: /data/clinic-b.db\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "clinic-b", cfg.SourceID)

	_, err = Load(filepath.Join(home, "missing.yaml"))
	assert.Error(t, err)

	bad := writeFile(t, filepath.Join(home, "bad.yaml"), "workers: [\n")
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	home := isolate(t)
	path := writeFile(t, filepath.Join(home, "merge.yaml"), "batch_size: 500\nsource:\n  driver: mysql\n  host: yaml-host\n")
	secret := writeFile(t, filepath.Join(home, "secret"), "s3cret\n")

	t.Setenv("BEEHIVE_SOURCE_HOST", "env-host")
	t.Setenv("BEEHIVE_SOURCE_PORT", "3307")
	t.Setenv("BEEHIVE_SOURCE_PASSWORD_FILE", secret)
	t.Setenv("BEEHIVE_DEST_DRIVER", "postgres")
	t.Setenv("BEEHIVE_BATCH_SIZE", "250")
	t.Setenv("BEEHIVE_DRY_RUN", "true")
	t.Setenv("BEEHIVE_NOTIFY_URLS", "http://a.local,http://b.local")
	t.Setenv("BEEHIVE_SOURCE_ID", "clinic-a")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, db.ConnInfo{Driver: "mysql", Host: "env-host", Port: 3307, Password: "s3cret"}, cfg.Source)
	assert.Equal(t, "postgres", cfg.Destination.Driver)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.NotifyURLs)
	assert.Equal(t, "clinic-a", cfg.SourceID)

	t.Setenv("BEEHIVE_WORKERS", "many")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadEnvLocal(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".env.local"), "BEEHIVE_LOG_LEVEL=debug\nBEEHIVE_OUTPUT=yaml\n")
	t.Cleanup(func() {
		os.Unsetenv("BEEHIVE_LOG_LEVEL")
	})
	// Already set in the environment, so .env.local must not win.
	t.Setenv("BEEHIVE_OUTPUT", "json")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.Output)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Source = db.ConnInfo{Driver: "sqlite", Path: "/data/a.db"}
		cfg.Destination = db.ConnInfo{Driver: "mysql", Host: "central", Database: "openmrs"}
		cfg.SourceID = "a"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no source driver", func(c *Config) { c.Source.Driver = "" }, "source driver"},
		{"sqlite without path", func(c *Config) { c.Source.Path = "" }, "source path"},
		{"mysql without database", func(c *Config) { c.Destination.Database = "" }, "destination host and database"},
		{"no source id", func(c *Config) { c.SourceID = "" }, "source_id"},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "batch_size"},
		{"sub transaction below batch", func(c *Config) { c.SubTransactionRows = 10 }, "must not be smaller"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFindEnvLocal(t *testing.T) {
	tests := []struct {
		name  string
		files []string // relative to the temp root
		cwd   string
		want  string // empty means not found
	}{
		{"current dir", []string{".env.local"}, ".", ".env.local"},
		{"parent dir", []string{".env.local"}, "child", ".env.local"},
		{"grandparent dir", []string{".env.local"}, "parent/child", ".env.local"},
		{"closest wins", []string{".env.local", "parent/.env.local"}, "parent/child", "parent/.env.local"},
		{"not found", nil, "child", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			// HOME bounds the walk so files above the temp root are never seen.
			t.Setenv("HOME", root)
			for _, f := range tt.files {
				writeFile(t, filepath.Join(root, f), "TEST=value")
			}
			cwd := filepath.Join(root, tt.cwd)
			require.NoError(t, os.MkdirAll(cwd, 0755))
			t.Chdir(cwd)

			result := findEnvLocal()
			if tt.want == "" {
				assert.Empty(t, result)
				return
			}
			// Resolve symlinks for comparison (macOS /var -> /private/var)
			expected, _ := filepath.EvalSymlinks(filepath.Join(root, tt.want))
			got, _ := filepath.EvalSymlinks(result)
			assert.Equal(t, expected, got)
		})
	}
}
