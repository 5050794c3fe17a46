package disk

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCache(t *testing.T, dir string, opts ...Option) *Cache {
	t.Helper()
	c, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func put(t *testing.T, c *Cache, key string, data []byte) {
	t.Helper()
	ed, err := c.Edit(key)
	require.NoError(t, err)
	_, err = ed.Write(data)
	require.NoError(t, err)
	require.NoError(t, ed.Commit())
}

func read(t *testing.T, c *Cache, key string) []byte {
	t.Helper()
	s, err := c.Get(key)
	require.NoError(t, err)
	defer s.Close()
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	return data
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func TestCacheFileLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	content := []byte("hello")
	put(t, c, "img://A", content)

	got := read(t, c, "img://A")
	if !bytes.Equal(got, content) {
		t.Fatalf("Get() content = %q, want %q", got, content)
	}

	hash := hashKey("img://A")
	matches, err := filepath.Glob(filepath.Join(dir, hash[:defaultShardPrefixLen], hash+".*"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one data file for %s, got %v", hash, matches)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()

	for _, compressed := range []bool{false, true} {
		for _, n := range []int{0, 1, 70 << 10} {
			t.Run(fmt.Sprintf("compressed=%v/len=%d", compressed, n), func(t *testing.T) {
				t.Parallel()

				var opts []Option
				if compressed {
					opts = append(opts, WithCompression(zstd.SpeedFastest))
				}
				c := openCache(t, t.TempDir(), opts...)

				data := payload(n)
				put(t, c, "key", data)

				got := read(t, c, "key")
				assert.Equal(t, len(data), len(got))
				assert.True(t, bytes.Equal(data, got))
			})
		}
	}
}

func TestCacheGetMissing(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir())

	_, err := c.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheAbortKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir())
	put(t, c, "a", []byte("v1"))

	ed, err := c.Edit("a")
	require.NoError(t, err)
	_, err = ed.Write([]byte("v2-partial"))
	require.NoError(t, err)
	require.NoError(t, ed.Abort())

	assert.Equal(t, []byte("v1"), read(t, c, "a"))
	assert.Equal(t, int64(2), c.Size())

	_, err = ed.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrEditorClosed)
	assert.ErrorIs(t, ed.Commit(), ErrEditorClosed)
}

func TestCacheAbortNewKey(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir())

	ed, err := c.Edit("a")
	require.NoError(t, err)
	_, err = ed.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, ed.Abort())

	_, err = c.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
}

func TestCacheEditorExclusive(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir())

	ed, err := c.Edit("a")
	require.NoError(t, err)

	_, err = c.Edit("a")
	assert.ErrorIs(t, err, ErrEditorBusy)

	// Unrelated keys are not blocked.
	other, err := c.Edit("b")
	require.NoError(t, err)
	require.NoError(t, other.Abort())

	require.NoError(t, ed.Abort())

	ed, err = c.Edit("a")
	require.NoError(t, err)
	require.NoError(t, ed.Abort())
}

func TestCacheCommitVisibleToNextGet(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir())
	put(t, c, "a", []byte("first"))
	put(t, c, "a", []byte("second"))

	assert.Equal(t, []byte("second"), read(t, c, "a"))
	assert.Equal(t, int64(len("second")), c.Size())
	assert.Equal(t, 1, c.Len())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir(), WithMaxBytes(1000))
	put(t, c, "a", payload(400))
	put(t, c, "b", payload(400))
	put(t, c, "c", payload(400))

	assert.LessOrEqual(t, c.Size(), int64(1000))
	assert.Equal(t, int64(800), c.Size())

	_, err := c.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, read(t, c, "b"), 400)
	assert.Len(t, read(t, c, "c"), 400)
}

func TestCacheEvictionSkipsOpenReaders(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir(), WithMaxBytes(1000))
	put(t, c, "a", payload(400))

	sa, err := c.Get("a")
	require.NoError(t, err)

	put(t, c, "b", payload(400))
	put(t, c, "c", payload(400))

	// "a" is the oldest but has an open reader, so "b" goes instead.
	_, err = c.Get("b")
	assert.ErrorIs(t, err, ErrNotFound)

	data, err := io.ReadAll(sa)
	require.NoError(t, err)
	assert.Len(t, data, 400)
	require.NoError(t, sa.Close())
	require.NoError(t, sa.Close())

	assert.Equal(t, int64(800), c.Size())
}

func TestCacheEvictionRetriedWhenReaderCloses(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir(), WithMaxBytes(1000))
	put(t, c, "a", payload(600))
	put(t, c, "b", payload(300))

	sa, err := c.Get("a")
	require.NoError(t, err)
	sb, err := c.Get("b")
	require.NoError(t, err)

	// Replacing "b" while both entries are being read overflows the budget.
	put(t, c, "b", payload(500))
	assert.Equal(t, int64(1100), c.Size())

	require.NoError(t, sa.Close())
	assert.Equal(t, int64(500), c.Size())
	_, err = c.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	// The old generation of "b" stays readable until its reader closes.
	old, err := io.ReadAll(sb)
	require.NoError(t, err)
	assert.Equal(t, payload(300), old)
	require.NoError(t, sb.Close())

	assert.Equal(t, payload(500), read(t, c, "b"))
}

func TestCacheCommitTooLarge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := openCache(t, dir, WithMaxBytes(100))
	put(t, c, "a", payload(50))

	ed, err := c.Edit("a")
	require.NoError(t, err)
	_, err = ed.Write(payload(150))
	require.NoError(t, err)
	require.ErrorIs(t, ed.Commit(), ErrTooLarge)
	assert.Equal(t, payload(50), read(t, c, "a"))

	ed, err = c.Edit("b")
	require.NoError(t, err)
	_, err = ed.Write(payload(101))
	require.NoError(t, err)
	require.ErrorIs(t, ed.Commit(), ErrTooLarge)
	_, err = c.Get("b")
	require.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int64(50), c.Size())
	assert.Equal(t, 1, c.Len())
	assert.Len(t, dataFiles(t, dir), 1)

	// The key is free for a new editor.
	put(t, c, "b", payload(40))
	assert.Equal(t, payload(40), read(t, c, "b"))
}

func TestCacheCommitNeverEvictsItself(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir(), WithMaxBytes(1000))
	put(t, c, "a", payload(600))
	sa, err := c.Get("a")
	require.NoError(t, err)

	// "a" cannot be evicted while read, so the budget stays exceeded.
	put(t, c, "b", payload(600))
	assert.Equal(t, int64(1200), c.Size())
	assert.Equal(t, payload(600), read(t, c, "b"))

	require.NoError(t, sa.Close())
	assert.Equal(t, int64(600), c.Size())
	_, err = c.Get("a")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, payload(600), read(t, c, "b"))
}

func TestCacheConcurrentCommitsAndReads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, WithMaxBytes(1<<20), WithCompactThreshold(8))
	require.NoError(t, err)
	put(t, c, "base", payload(64))

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ed, err := c.Edit(fmt.Sprintf("k%d", i))
			if !assert.NoError(t, err) {
				return
			}
			_, _ = ed.Write(payload(256 + i))
			assert.NoError(t, ed.Commit())
		}()
		go func() {
			defer wg.Done()
			s, err := c.Get("base")
			if !assert.NoError(t, err) {
				return
			}
			data, err := io.ReadAll(s)
			assert.NoError(t, err)
			assert.Equal(t, payload(64), data)
			assert.NoError(t, s.Close())
		}()
	}
	wg.Wait()
	require.NoError(t, c.Close())

	reopened := openCache(t, dir, WithMaxBytes(1<<20))
	assert.Equal(t, 17, reopened.Len())
	for i := range 16 {
		assert.Equal(t, payload(256+i), read(t, reopened, fmt.Sprintf("k%d", i)))
	}
}

func TestCacheRemove(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir())
	put(t, c, "a", []byte("data"))

	s, err := c.Get("a")
	require.NoError(t, err)

	require.NoError(t, c.Remove("a"))
	_, err = c.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), c.Size())

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
	require.NoError(t, s.Close())

	require.NoError(t, c.Remove("missing"))
}

func TestCacheRemoveWhileEditing(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir())
	put(t, c, "a", []byte("data"))

	ed, err := c.Edit("a")
	require.NoError(t, err)
	defer ed.Abort()

	assert.ErrorIs(t, c.Remove("a"), ErrEditorBusy)
}

func TestCachePrune(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir())
	for i := range 5 {
		put(t, c, fmt.Sprintf("k%d", i), payload(100))
	}

	freed, err := c.Prune(250)
	require.NoError(t, err)
	assert.Equal(t, int64(300), freed)
	assert.Equal(t, int64(200), c.Size())

	_, err = c.Get("k0")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, read(t, c, "k4"), 100)

	_, err = c.Prune(-1)
	assert.Error(t, err)
}

func TestCacheReplayRestoresEntriesAndOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	put(t, c, "a", payload(400))
	put(t, c, "b", payload(400))
	put(t, c, "c", payload(400))
	_ = read(t, c, "a")
	require.NoError(t, c.Close())

	reopened := openCache(t, dir)
	assert.Equal(t, 3, reopened.Len())
	assert.Equal(t, int64(1200), reopened.Size())
	assert.Equal(t, payload(400), read(t, reopened, "b"))
	require.NoError(t, reopened.Close())

	// "a" was read after "c" and "b" after that, so "c" is now the oldest.
	shrunk := openCache(t, dir, WithMaxBytes(800))
	assert.Equal(t, 2, shrunk.Len())
	_, err = shrunk.Get("c")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, read(t, shrunk, "a"), 400)
	assert.Len(t, read(t, shrunk, "b"), 400)
}

func TestCacheTornJournalTail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	put(t, c, "a", []byte("committed"))
	require.NoError(t, c.Close())

	journal := filepath.Join(dir, journalName)
	f, err := os.OpenFile(journal, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString("CLEAN " + hashKey("b") + " 12")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openCache(t, dir)
	assert.Equal(t, 1, reopened.Len())
	assert.Equal(t, []byte("committed"), read(t, reopened, "a"))

	data, err := os.ReadFile(journal)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.NotContains(t, string(data), hashKey("b"))
}

func TestCacheMalformedJournalStartsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	put(t, c, "a", []byte("data"))
	require.NoError(t, c.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, journalName), []byte("garbage\n"), 0o600))

	reopened := openCache(t, dir)
	assert.Equal(t, 0, reopened.Len())
	_, err = reopened.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, dataFiles(t, dir))
}

func TestCacheMalformedMiddleRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	header := journalHeader(defaultAppVersion, codecNone)
	body := "CLEAN " + hashKey("a") + " 4 0\nBOGUS line\nREAD " + hashKey("a") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, journalName), []byte(header+body), 0o600))

	c := openCache(t, dir)
	assert.Equal(t, 0, c.Len())
}

func TestCacheAppVersionChangeDiscards(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, WithAppVersion("1"))
	require.NoError(t, err)
	put(t, c, "a", []byte("data"))
	require.NoError(t, c.Close())

	reopened := openCache(t, dir, WithAppVersion("2"))
	assert.Equal(t, 0, reopened.Len())
}

func TestCacheInterruptedEditLeavesPreviousSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	put(t, c, "a", []byte("v1"))

	ed, err := c.Edit("a")
	require.NoError(t, err)
	_, err = ed.Write([]byte("v2 never committed"))
	require.NoError(t, err)

	// Simulate a crash: the process goes away with the editor open.
	require.NoError(t, c.Close())

	reopened := openCache(t, dir)
	assert.Equal(t, []byte("v1"), read(t, reopened, "a"))
	for _, name := range dataFiles(t, dir) {
		assert.NotContains(t, name, ".tmp-", "temp file should have been removed")
	}

	assert.Error(t, ed.Commit())
}

func TestCacheCompactsJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, WithCompactThreshold(10))
	require.NoError(t, err)
	for i := range 20 {
		put(t, c, "a", []byte(fmt.Sprintf("v%d", i)))
	}
	require.NoError(t, c.Close())

	data, err := os.ReadFile(filepath.Join(dir, journalName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.LessOrEqual(t, len(lines), 5+10)

	reopened := openCache(t, dir)
	assert.Equal(t, []byte("v19"), read(t, reopened, "a"))
	assert.Len(t, dataFiles(t, dir), 1)
}

func TestCacheCompressionRecordedInJournal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, WithCompression(zstd.SpeedDefault))
	require.NoError(t, err)
	put(t, c, "a", bytes.Repeat([]byte("x"), 4096))
	assert.Less(t, c.Size(), int64(4096))
	require.NoError(t, c.Close())

	// Opening without compression cannot read zstd data files.
	plain := openCache(t, dir)
	assert.Equal(t, 0, plain.Len())
}

func TestCacheClosed(t *testing.T) {
	t.Parallel()

	c, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Get("a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Edit("a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dir  string
		opts []Option
	}{
		{"empty dir", "", nil},
		{"negative max", t.TempDir(), []Option{WithMaxBytes(-1)}},
		{"negative shard", t.TempDir(), []Option{WithShardPrefixLen(-1)}},
		{"zero threshold", t.TempDir(), []Option{WithCompactThreshold(0)}},
		{"multiline version", t.TempDir(), []Option{WithAppVersion("a\nb")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.dir, tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestCacheConcurrentKeys(t *testing.T) {
	t.Parallel()

	c := openCache(t, t.TempDir(), WithShardPrefixLen(0))

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			ed, err := c.Edit(key)
			if !assert.NoError(t, err) {
				return
			}
			_, _ = ed.Write(payload(128 + i))
			assert.NoError(t, ed.Commit())
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, c.Len())
	for i := range 16 {
		assert.Equal(t, payload(128+i), read(t, c, fmt.Sprintf("k%d", i)))
	}
}

// dataFiles lists files under dir other than the journal and lock.
func dataFiles(t *testing.T, dir string) []string {
	t.Helper()
	var names []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch d.Name() {
		case journalName, lockName, journalTemp:
			return nil
		}
		names = append(names, d.Name())
		return nil
	})
	require.NoError(t, err)
	return names
}
