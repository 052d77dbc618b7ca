// Package config loads and validates the forker service configuration.
//
// Configuration is a single TOML file. Every field has a default, but the
// source directory and both target roots must be set explicitly; the service
// refuses to start on any invalid value rather than limping with a guess.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Johnnywatts/forkerDotNet-sub001/internal/digest"
	"github.com/Johnnywatts/forkerDotNet-sub001/internal/filter"
)

// Duration decodes TOML strings like "30s" or "15m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	// DataDir holds the state database and, by default, the archive.
	DataDir string `toml:"data_dir"`

	Source      SourceConfig      `toml:"source"`
	Targets     TargetsConfig     `toml:"targets"`
	Hashing     HashingConfig     `toml:"hashing"`
	Replication ReplicationConfig `toml:"replication"`
	Retention   RetentionConfig   `toml:"retention"`
	API         APIConfig         `toml:"api"`
	Log         LogConfig         `toml:"log"`
	Shutdown    ShutdownConfig    `toml:"shutdown"`
}

// SourceConfig describes the watched drop directory. Scanning is flat: the
// modality drops whole files (or renames them in) at the top level.
type SourceConfig struct {
	Dir     string   `toml:"dir"`
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
	MinSize string   `toml:"min_size"`
	MaxSize string   `toml:"max_size"`
	// Settle is how long a candidate's size and mtime must hold still
	// before it is admitted. Guards against half-written drops.
	Settle Duration `toml:"settle"`
}

// SizeBounds parses the configured size strings (0 = unbounded).
func (c SourceConfig) SizeBounds() (minSize, maxSize int64, err error) {
	if c.MinSize != "" {
		if minSize, err = filter.ParseSize(c.MinSize); err != nil {
			return 0, 0, fmt.Errorf("source.min_size: %w", err)
		}
	}
	if c.MaxSize != "" {
		if maxSize, err = filter.ParseSize(c.MaxSize); err != nil {
			return 0, 0, fmt.Errorf("source.max_size: %w", err)
		}
	}
	return minSize, maxSize, nil
}

// TargetConfig is one replication destination.
type TargetConfig struct {
	Root string `toml:"root"`
}

// TargetsConfig holds both fixed destinations.
type TargetsConfig struct {
	Primary  TargetConfig `toml:"primary"`
	Research TargetConfig `toml:"research"`
}

// HashingConfig selects the verification digest algorithm.
type HashingConfig struct {
	Algorithm string `toml:"algorithm"`
}

// ReplicationConfig tunes the copy pipeline.
type ReplicationConfig struct {
	Workers          int      `toml:"workers"`
	ScanInterval     Duration `toml:"scan_interval"`
	TickInterval     Duration `toml:"tick_interval"`
	RetryLimit       int      `toml:"retry_limit"`
	RetryBackoff     Duration `toml:"retry_backoff"`
	OperationTimeout Duration `toml:"operation_timeout"`
	// StagingDir is the directory name created under each target root for
	// in-progress copies. Same filesystem as the final path by construction.
	StagingDir string `toml:"staging_dir"`
	// BandwidthLimit caps aggregate staging throughput, e.g. "100M" per
	// second. Empty means unlimited.
	BandwidthLimit string `toml:"bandwidth_limit"`
}

// BandwidthBytes parses the limit into bytes/second (0 = unlimited).
func (c ReplicationConfig) BandwidthBytes() (int64, error) {
	if c.BandwidthLimit == "" {
		return 0, nil
	}
	n, err := filter.ParseSize(c.BandwidthLimit)
	if err != nil {
		return 0, fmt.Errorf("replication.bandwidth_limit: %w", err)
	}
	return n, nil
}

// RetentionConfig controls archival of completed jobs out of the live
// database. Age zero disables the sweep.
type RetentionConfig struct {
	Age      Duration `toml:"age"`
	Interval Duration `toml:"interval"`
	Dir      string   `toml:"dir"`
}

// APIConfig configures the admin/health HTTP listener. Empty disables it.
// The bind address must be loopback; exposure beyond the host is the
// environment's business, not this service's.
type APIConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig selects log verbosity and output shape.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ShutdownConfig bounds the drain phase of graceful shutdown.
type ShutdownConfig struct {
	Grace Duration `toml:"grace"`
}

// Default returns the built-in configuration. Source and target paths are
// intentionally empty: they must come from the operator.
func Default() Config {
	return Config{
		DataDir: "/var/lib/forker",
		Source: SourceConfig{
			Exclude: []string{".*", "*.tmp", "*.partial"},
			Settle:  Duration(5 * time.Second),
		},
		Hashing: HashingConfig{Algorithm: digest.SHA256},
		Replication: ReplicationConfig{
			Workers:          4,
			ScanInterval:     Duration(5 * time.Second),
			TickInterval:     Duration(2 * time.Second),
			RetryLimit:       5,
			RetryBackoff:     Duration(time.Second),
			OperationTimeout: Duration(15 * time.Minute),
			StagingDir:       ".forker-staging",
		},
		Retention: RetentionConfig{
			Age:      Duration(7 * 24 * time.Hour),
			Interval: Duration(time.Hour),
		},
		API: APIConfig{Listen: "127.0.0.1:8440"},
		Log: LogConfig{Level: "info", Format: "console"},
		Shutdown: ShutdownConfig{
			Grace: Duration(30 * time.Second),
		},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are an error: a typoed setting in a clinical deployment must not be
// silently ignored.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DBPath returns the SQLite database location.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "forker.db")
}

// ArchiveDir returns the archive destination, defaulting under DataDir.
func (c Config) ArchiveDir() string {
	if c.Retention.Dir != "" {
		return c.Retention.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}

// Validate checks every setting and returns the first problem found.
func (c Config) Validate() error {
	if c.DataDir == "" || !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("data_dir must be an absolute path, got %q", c.DataDir)
	}
	if c.Source.Dir == "" || !filepath.IsAbs(c.Source.Dir) {
		return fmt.Errorf("source.dir must be an absolute path, got %q", c.Source.Dir)
	}
	if _, _, err := c.Source.SizeBounds(); err != nil {
		return err
	}
	if minSize, maxSize, _ := c.Source.SizeBounds(); maxSize > 0 && minSize > maxSize {
		return fmt.Errorf("source.min_size %s exceeds source.max_size %s", c.Source.MinSize, c.Source.MaxSize)
	}
	if _, err := filter.New(c.Source.Include, c.Source.Exclude, 0, 0); err != nil {
		return fmt.Errorf("source patterns: %w", err)
	}
	if c.Source.Settle.Std() < 0 {
		return errors.New("source.settle must not be negative")
	}

	roots := map[string]string{
		"targets.primary.root":  c.Targets.Primary.Root,
		"targets.research.root": c.Targets.Research.Root,
	}
	for key, root := range roots {
		if root == "" || !filepath.IsAbs(root) {
			return fmt.Errorf("%s must be an absolute path, got %q", key, root)
		}
		if filepath.Clean(root) == filepath.Clean(c.Source.Dir) {
			return fmt.Errorf("%s must differ from source.dir", key)
		}
	}
	if filepath.Clean(c.Targets.Primary.Root) == filepath.Clean(c.Targets.Research.Root) {
		return errors.New("targets.primary.root and targets.research.root must differ")
	}

	alg := c.Hashing.Algorithm
	if _, err := digest.New(alg); err != nil {
		return fmt.Errorf("hashing.algorithm: %w (supported: %s)", err, strings.Join(digest.Algorithms(), ", "))
	}

	r := c.Replication
	if r.Workers < 1 {
		return fmt.Errorf("replication.workers must be at least 1, got %d", r.Workers)
	}
	if r.ScanInterval.Std() <= 0 || r.TickInterval.Std() <= 0 {
		return errors.New("replication.scan_interval and tick_interval must be positive")
	}
	if r.RetryLimit < 1 {
		return fmt.Errorf("replication.retry_limit must be at least 1, got %d", r.RetryLimit)
	}
	if r.RetryBackoff.Std() <= 0 {
		return errors.New("replication.retry_backoff must be positive")
	}
	if r.OperationTimeout.Std() <= 0 {
		return errors.New("replication.operation_timeout must be positive")
	}
	if r.StagingDir == "" || r.StagingDir != filepath.Base(r.StagingDir) || r.StagingDir == "." || r.StagingDir == ".." {
		return fmt.Errorf("replication.staging_dir must be a plain directory name, got %q", r.StagingDir)
	}
	if _, err := r.BandwidthBytes(); err != nil {
		return err
	}

	if c.Retention.Age.Std() < 0 {
		return errors.New("retention.age must not be negative")
	}
	if c.Retention.Age.Std() > 0 && c.Retention.Interval.Std() <= 0 {
		return errors.New("retention.interval must be positive when retention.age is set")
	}
	if c.Retention.Dir != "" && !filepath.IsAbs(c.Retention.Dir) {
		return fmt.Errorf("retention.dir must be an absolute path, got %q", c.Retention.Dir)
	}

	if c.API.Listen != "" {
		host, _, err := net.SplitHostPort(c.API.Listen)
		if err != nil {
			return fmt.Errorf("api.listen: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("api.listen must bind loopback, got %q", host)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}

	if c.Shutdown.Grace.Std() < 0 {
		return errors.New("shutdown.grace must not be negative")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
