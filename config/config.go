// Package config loads engine settings from YAML files.
//
// A minimal file:
//
//	memory:
//	  max_size: 128MB
//	disk:
//	  dir: /var/cache/sketch
//	  compression: fastest
//	http:
//	  timeout: 30s
//	  headers:
//	    User-Agent: sketch
//
// Sizes accept plain byte counts or human sizes such as "64MB" (binary
// multiples). Durations use time.ParseDuration syntax.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/meigma/sketch"
	"github.com/meigma/sketch/component"
	"github.com/meigma/sketch/decode/stdimage"
	"github.com/meigma/sketch/fetch/file"
	sketchhttp "github.com/meigma/sketch/fetch/http"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// ByteSize is a size in bytes that unmarshals from "64MB" or 67108864.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := units.RAMInBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return units.BytesSize(float64(b)), nil
}

// Config is the file representation of engine settings. Zero fields keep the
// engine defaults.
type Config struct {
	Memory     Memory     `yaml:"memory"`
	Pool       Pool       `yaml:"pool"`
	Disk       Disk       `yaml:"disk"`
	Scheduling Scheduling `yaml:"scheduling"`
	HTTP       HTTP       `yaml:"http"`
	File       File       `yaml:"file"`
	Log        Log        `yaml:"log"`
}

// Memory configures the memory cache.
type Memory struct {
	MaxSize ByteSize `yaml:"max_size"`
	// Trim holds the low, moderate and critical trim fractions.
	Trim []float64 `yaml:"trim,omitempty"`
}

// Pool configures the bitmap pool.
type Pool struct {
	MaxSize ByteSize `yaml:"max_size"`
}

// Disk configures the disk tiers. Dir enables both tiers in subdirectories;
// DownloadDir and ResultDir override it per tier.
type Disk struct {
	Dir             string   `yaml:"dir"`
	DownloadDir     string   `yaml:"download_dir"`
	DownloadMaxSize ByteSize `yaml:"download_max_size"`
	ResultDir       string   `yaml:"result_dir"`
	ResultMaxSize   ByteSize `yaml:"result_max_size"`
	// Compression is a zstd level name: fastest, default, better or best.
	// Empty stores entries uncompressed.
	Compression string `yaml:"compression"`
}

// Scheduling configures concurrency and progress reporting.
type Scheduling struct {
	Decode           int           `yaml:"decode"`
	IO               int           `yaml:"io"`
	Preload          int           `yaml:"preload"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	MaxFetchSize     ByteSize      `yaml:"max_fetch_size"`
}

// HTTP configures the HTTP fetcher.
type HTTP struct {
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// File configures the file fetcher.
type File struct {
	// BaseDir resolves relative paths. Empty rejects them.
	BaseDir string `yaml:"base_dir"`
}

// Log configures the engine logger.
type Log struct {
	// Level is debug, info, warn or error. Empty disables logging.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks values the engine options would reject, so errors point
// at the file rather than at an option.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Memory.MaxSize >= 0, "memory.max_size must be non-negative")
	check(len(c.Memory.Trim) == 0 || len(c.Memory.Trim) == 3, "memory.trim needs three fractions")
	for _, f := range c.Memory.Trim {
		check(f >= 0 && f <= 1, "memory.trim fraction %v outside [0, 1]", f)
	}
	check(c.Pool.MaxSize >= 0, "pool.max_size must be non-negative")
	check(c.Disk.DownloadMaxSize >= 0, "disk.download_max_size must be non-negative")
	check(c.Disk.ResultMaxSize >= 0, "disk.result_max_size must be non-negative")
	if c.Disk.Compression != "" {
		ok, _ := zstd.EncoderLevelFromString(c.Disk.Compression)
		check(ok, "disk.compression %q is not a zstd level", c.Disk.Compression)
	}
	check(c.Scheduling.Decode >= 0, "scheduling.decode must be non-negative")
	check(c.Scheduling.IO >= 0, "scheduling.io must be non-negative")
	check(c.Scheduling.Preload >= 0, "scheduling.preload must be non-negative")
	check(c.Scheduling.ProgressInterval >= 0, "scheduling.progress_interval must be non-negative")
	check(c.Scheduling.MaxFetchSize >= 0, "scheduling.max_fetch_size must be non-negative")
	check(c.HTTP.Timeout >= 0, "http.timeout must be non-negative")
	if c.Log.Level != "" {
		var level slog.Level
		check(level.UnmarshalText([]byte(c.Log.Level)) == nil, "log.level %q is unknown", c.Log.Level)
	}
	check(c.Log.Format == "" || c.Log.Format == "text" || c.Log.Format == "json",
		"log.format must be text or json")
	return errors.Join(errs...)
}

// Registry returns the built-in components configured by c.
func (c *Config) Registry() *component.Registry {
	var httpOpts []sketchhttp.Option
	if c.HTTP.Timeout > 0 {
		httpOpts = append(httpOpts, sketchhttp.WithClient(&nethttp.Client{Timeout: c.HTTP.Timeout}))
	}
	for k, v := range c.HTTP.Headers {
		httpOpts = append(httpOpts, sketchhttp.WithHeader(k, v))
	}
	var fileOpts []file.Option
	if c.File.BaseDir != "" {
		fileOpts = append(fileOpts, file.WithBaseDir(c.File.BaseDir))
	}
	return component.NewBuilder().
		AddFetcher(file.New(fileOpts...)).
		AddFetcher(sketchhttp.New(httpOpts...)).
		AddDecoder(stdimage.New()).
		Build()
}

// Logger returns the logger described by c.Log writing to w, or nil when
// logging is disabled.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	if c.Log.Level == "" {
		return nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// Options maps c onto engine options. The returned options replace the
// built-in components with the ones from Registry. Log output goes to logOut.
func (c *Config) Options(logOut io.Writer) []sketch.Option {
	opts := []sketch.Option{
		sketch.WithoutDefaultComponents(),
		sketch.WithRegistry(c.Registry()),
	}
	if c.Memory.MaxSize > 0 {
		opts = append(opts, sketch.WithMemoryCacheMaxBytes(int64(c.Memory.MaxSize)))
	}
	if len(c.Memory.Trim) == 3 {
		opts = append(opts, sketch.WithTrimFractions(c.Memory.Trim[0], c.Memory.Trim[1], c.Memory.Trim[2]))
	}
	if c.Pool.MaxSize > 0 {
		opts = append(opts, sketch.WithPoolMaxBytes(int64(c.Pool.MaxSize)))
	}
	opts = append(opts, c.diskOptions()...)

	s := c.Scheduling
	if s.Decode > 0 {
		opts = append(opts, sketch.WithDecodeConcurrency(s.Decode))
	}
	if s.IO > 0 {
		opts = append(opts, sketch.WithIOConcurrency(s.IO))
	}
	if s.Preload > 0 {
		opts = append(opts, sketch.WithPreloadConcurrency(s.Preload))
	}
	if s.ProgressInterval > 0 {
		opts = append(opts, sketch.WithProgressInterval(s.ProgressInterval))
	}
	if s.MaxFetchSize > 0 {
		opts = append(opts, sketch.WithMaxFetchBytes(int64(s.MaxFetchSize)))
	}
	if logger := c.Logger(logOut); logger != nil {
		opts = append(opts, sketch.WithLogger(logger))
	}
	return opts
}

func (c *Config) diskOptions() []sketch.Option {
	d := c.Disk
	var opts []sketch.Option
	if d.Dir != "" {
		opts = append(opts, sketch.WithCacheDir(d.Dir))
	}
	if d.DownloadDir != "" || (d.Dir != "" && d.DownloadMaxSize > 0) {
		dir := d.DownloadDir
		if dir == "" {
			dir = filepath.Join(d.Dir, "download")
		}
		size := int64(d.DownloadMaxSize)
		if size == 0 {
			size = sketch.DefaultDownloadCacheSize
		}
		opts = append(opts, sketch.WithDownloadCache(dir, size))
	}
	if d.ResultDir != "" || (d.Dir != "" && d.ResultMaxSize > 0) {
		dir := d.ResultDir
		if dir == "" {
			dir = filepath.Join(d.Dir, "result")
		}
		size := int64(d.ResultMaxSize)
		if size == 0 {
			size = sketch.DefaultResultCacheSize
		}
		opts = append(opts, sketch.WithResultCache(dir, size))
	}
	if d.Compression != "" {
		if ok, level := zstd.EncoderLevelFromString(d.Compression); ok {
			opts = append(opts, sketch.WithDiskCompression(level))
		}
	}
	return opts
}
