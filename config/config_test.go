package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/sketch"
	"github.com/meigma/sketch/internal/testutil"
)

const sample = `
memory:
  max_size: 128MB
  trim: [0.1, 0.5, 1]
pool:
  max_size: 16777216
disk:
  dir: /tmp/sketch
  compression: fastest
scheduling:
  decode: 2
  io: 4
  progress_interval: 250ms
http:
  timeout: 30s
  headers:
    User-Agent: sketch-test
file:
  base_dir: /srv/images
log:
  level: debug
  format: json
`

func TestParse(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, ByteSize(128<<20), cfg.Memory.MaxSize)
	assert.Equal(t, []float64{0.1, 0.5, 1}, cfg.Memory.Trim)
	assert.Equal(t, ByteSize(16<<20), cfg.Pool.MaxSize)
	assert.Equal(t, "/tmp/sketch", cfg.Disk.Dir)
	assert.Equal(t, "fastest", cfg.Disk.Compression)
	assert.Equal(t, 2, cfg.Scheduling.Decode)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduling.ProgressInterval)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, "sketch-test", cfg.HTTP.Headers["User-Agent"])
	assert.Equal(t, "/srv/images", cfg.File.BaseDir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
	assert.Nil(t, cfg.Logger(os.Stderr))
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "memory:\n  size: 1MB\n"},
		{"bad size", "memory:\n  max_size: lots\n"},
		{"negative size", "pool:\n  max_size: -1\n"},
		{"trim arity", "memory:\n  trim: [0.5]\n"},
		{"trim range", "memory:\n  trim: [0.5, 0.5, 2]\n"},
		{"compression", "disk:\n  compression: maximum\n"},
		{"duration", "scheduling:\n  progress_interval: soon\n"},
		{"concurrency", "scheduling:\n  io: -2\n"},
		{"log level", "log:\n  level: loud\n"},
		{"log format", "log:\n  level: info\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidateWrapsErrInvalid(t *testing.T) {
	t.Parallel()

	cfg := &Config{Scheduling: Scheduling{Decode: -1}, Log: Log{Format: "xml"}}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "scheduling.decode")
	assert.Contains(t, err.Error(), "log.format")
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sketch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Scheduling.IO)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	data, err := Marshal(cfg)
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestRegistryResolvesConfiguredComponents(t *testing.T) {
	t.Parallel()

	reg := (&Config{File: File{BaseDir: "/srv"}}).Registry()

	_, ok := reg.ResolveFetcher(sketch.NewRequest("https://example.com/a.png"))
	assert.True(t, ok)
	_, ok = reg.ResolveFetcher(sketch.NewRequest("relative/a.png"))
	assert.True(t, ok, "base dir enables relative paths")
	assert.Len(t, reg.Decoders(), 1)
}

func TestOptionsBuildEngine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := Parse([]byte("memory:\n  max_size: 1MB\ndisk:\n  dir: " + dir + "\n  compression: default\n"))
	require.NoError(t, err)

	e, err := sketch.New(cfg.Options(io.Discard)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	assert.Equal(t, int64(1<<20), e.Memory().MaxSize())
	assert.NotNil(t, e.DownloadCache())
	assert.NotNil(t, e.ResultCache())
}

func TestOptionsLoadFromBaseDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), testutil.EncodePNG(3, 2), 0o600))

	cfg := &Config{File: File{BaseDir: dir}}
	e, err := sketch.New(cfg.Options(io.Discard)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	res, err := e.Execute(context.Background(), sketch.NewRequest("a.png"))
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, 3, res.Bitmap().Width)
	assert.Equal(t, "image/png", res.Metadata().Info.MimeType)
}
