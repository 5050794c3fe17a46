// Package disk provides a journaled, size-bounded disk cache of byte blobs.
//
// Each key has at most one committed snapshot, readable by any number of
// concurrent readers, and at most one in-progress editor. Editors write to a
// temporary file that becomes the committed snapshot through a rename
// recorded in an append-only journal. On Open the journal is replayed to
// rebuild the index, so committed entries and their LRU order survive a
// restart.
//
// Layout under the cache directory:
//
//	journal          append-only text journal
//	journal.lock     held with an advisory lock while the cache is open
//	ab/abcdef….<gen> committed data, sharded by hash prefix
package disk

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/sketch/cache"
	"github.com/meigma/sketch/internal/platform"
)

const (
	defaultShardPrefixLen   = 2
	defaultDirPerm          = 0o700
	defaultFilePerm         = 0o600
	defaultCompactThreshold = 2000
	defaultAppVersion       = "1"

	codecNone = "raw"
	codecZstd = "zstd"
)

// Errors returned by the disk cache.
var (
	// ErrNotFound is returned by Get when no committed snapshot exists.
	ErrNotFound = errors.New("disk: entry not found")

	// ErrEditorBusy is returned when another editor holds the key.
	ErrEditorBusy = errors.New("disk: editor busy")

	// ErrEditorClosed is returned when using an editor after Commit or Abort.
	ErrEditorClosed = errors.New("disk: editor already closed")

	// ErrClosed is returned after the cache is closed.
	ErrClosed = errors.New("disk: cache closed")

	// ErrTooLarge is returned by Commit when the entry alone exceeds the
	// byte budget. Nothing is stored.
	ErrTooLarge = errors.New("disk: entry exceeds cache size")
)

var _ cache.Sized = (*Cache)(nil)

// Cache is a journaled LRU of byte blobs on the local filesystem.
// The cache is safe for concurrent use.
type Cache struct {
	dir              string
	shardPrefixLen   int
	dirPerm          os.FileMode
	maxBytes         int64 // 0 = unlimited
	compress         bool
	level            zstd.EncoderLevel
	compactThreshold int
	appVersion       string
	logger           *slog.Logger

	root     *os.Root
	lock     *os.File
	decoders *decoderPool

	mu      sync.Mutex
	journal *os.File
	entries map[string]*entry
	lru     *list.List // committed entries, front = most recently used
	size    int64
	nextGen uint64
	ops     int // journal records since the last rewrite
	closed  bool
}

// entry is the index state of one hashed key.
type entry struct {
	hash     string
	size     int64
	gen      uint64
	readable bool
	editor   *Editor
	readers  int
	elem     *list.Element

	// removed is set when the entry left the index while readers were open.
	removed bool
	// stale holds superseded data files still open by readers.
	stale []string
}

// Option configures a disk cache.
type Option func(*Cache)

// WithMaxBytes sets the maximum committed size in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithCompression stores data files zstd-compressed at the given level.
// Sizes and the byte budget then refer to compressed bytes.
func WithCompression(level zstd.EncoderLevel) Option {
	return func(c *Cache) {
		c.compress = true
		c.level = level
	}
}

// WithCompactThreshold sets how many journal records may accumulate before
// the journal is rewritten. Defaults to 2000.
func WithCompactThreshold(n int) Option {
	return func(c *Cache) {
		c.compactThreshold = n
	}
}

// WithAppVersion sets the application version recorded in the journal.
// Opening a cache written with a different version discards its contents.
func WithAppVersion(v string) Option {
	return func(c *Cache) {
		c.appVersion = v
	}
}

// WithLogger sets the logger for recovery and eviction diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Open opens or creates a disk cache rooted at dir and replays its journal.
//
// A torn final journal record is dropped. A journal that cannot be parsed
// degrades to an empty cache rather than failing. Data files not referenced
// by the journal are deleted.
func Open(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("disk: cache dir is empty")
	}
	c := &Cache{
		dir:              dir,
		shardPrefixLen:   defaultShardPrefixLen,
		dirPerm:          defaultDirPerm,
		compactThreshold: defaultCompactThreshold,
		appVersion:       defaultAppVersion,
		level:            zstd.SpeedDefault,
		entries:          make(map[string]*entry),
		lru:              list.New(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("disk: shard prefix length must be >= 0")
	}
	if c.maxBytes < 0 {
		return nil, errors.New("disk: max bytes must be >= 0")
	}
	if c.compactThreshold <= 0 {
		return nil, errors.New("disk: compact threshold must be > 0")
	}
	if strings.ContainsAny(c.appVersion, "\n\r") {
		return nil, errors.New("disk: app version must be a single line")
	}
	if c.compress {
		c.decoders = newDecoderPool(0)
	}

	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	lock, err := platform.LockFile(filepath.Join(dir, lockName), defaultFilePerm)
	if err != nil {
		return nil, fmt.Errorf("disk: lock %s: %w", dir, err)
	}
	c.lock = lock
	root, err := os.OpenRoot(dir)
	if err != nil {
		lock.Close()
		return nil, err
	}
	c.root = root

	if err := c.load(); err != nil {
		root.Close()
		lock.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.New(slog.DiscardHandler)
}

func (c *Cache) header() string {
	codec := codecNone
	if c.compress {
		codec = codecZstd
	}
	return journalHeader(c.appVersion, codec)
}

// load replays the journal, reconciles it with the files on disk and opens
// the journal for appending.
func (c *Cache) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rewrite := false
	records, torn, err := readJournal(filepath.Join(c.dir, journalName), c.header())
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		rewrite = true
	case errors.Is(err, errMalformedJournal):
		c.log().Warn("disk cache journal unreadable, starting empty", "dir", c.dir, "error", err)
		records = nil
		rewrite = true
	default:
		return err
	}
	if torn {
		c.log().Warn("disk cache journal has a torn final record", "dir", c.dir)
		rewrite = true
	}

	c.replayLocked(records)
	if c.reconcileLocked() {
		rewrite = true
	}
	if err := c.removeOrphansLocked(); err != nil {
		return err
	}

	if rewrite {
		if err := c.rebuildJournalLocked(); err != nil {
			return err
		}
	} else {
		if err := c.openJournalLocked(); err != nil {
			return err
		}
		c.ops = len(records)
	}
	c.trimLocked(c.maxBytes, nil)
	c.log().Debug("disk cache opened", "dir", c.dir, "entries", c.lru.Len(), "size", c.size)
	return nil
}

func (c *Cache) replayLocked(records []record) {
	for _, r := range records {
		e := c.entries[r.hash]
		switch r.op {
		case opDirty:
			if e == nil {
				c.entries[r.hash] = &entry{hash: r.hash}
			}
		case opClean:
			if e == nil {
				e = &entry{hash: r.hash}
				c.entries[r.hash] = e
			}
			e.size, e.gen, e.readable = r.size, r.gen, true
			if e.elem == nil {
				e.elem = c.lru.PushFront(e)
			} else {
				c.lru.MoveToFront(e.elem)
			}
		case opRemove:
			if e != nil {
				if e.elem != nil {
					c.lru.Remove(e.elem)
				}
				delete(c.entries, r.hash)
			}
		case opRead:
			if e != nil && e.elem != nil {
				c.lru.MoveToFront(e.elem)
			}
		}
		if r.gen >= c.nextGen {
			c.nextGen = r.gen + 1
		}
	}
}

// reconcileLocked drops entries that were never committed or whose data
// file is missing or has the wrong size. It reports whether anything changed.
func (c *Cache) reconcileLocked() bool {
	changed := false
	for hash, e := range c.entries {
		if !e.readable {
			delete(c.entries, hash)
			changed = true
			continue
		}
		info, err := c.root.Stat(c.dataRel(hash, e.gen))
		if err != nil || info.Size() != e.size {
			c.log().Warn("disk cache entry missing data", "hash", hash, "gen", e.gen)
			c.lru.Remove(e.elem)
			delete(c.entries, hash)
			changed = true
			continue
		}
		c.size += e.size
	}
	return changed
}

// removeOrphansLocked deletes files the index does not reference, such as
// temp files of interrupted edits and superseded generations.
func (c *Cache) removeOrphansLocked() error {
	live := make(map[string]struct{}, len(c.entries))
	for hash, e := range c.entries {
		live[filepath.Clean(c.dataRel(hash, e.gen))] = struct{}{}
	}
	return filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}
		switch rel {
		case journalName, journalTemp, lockName:
			return nil
		}
		if _, ok := live[rel]; ok {
			return nil
		}
		c.log().Debug("disk cache removing orphan", "path", rel)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
}

func (c *Cache) openJournalLocked() error {
	f, err := os.OpenFile(filepath.Join(c.dir, journalName), os.O_WRONLY|os.O_APPEND|os.O_CREATE, defaultFilePerm)
	if err != nil {
		return err
	}
	c.journal = f
	return nil
}

// rebuildJournalLocked rewrites the journal from the in-memory index,
// oldest entry first so replay restores the LRU order.
func (c *Cache) rebuildJournalLocked() error {
	records := make([]record, 0, len(c.entries))
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed by the index
		records = append(records, record{op: opClean, hash: e.hash, size: e.size, gen: e.gen})
	}
	for _, e := range c.entries {
		if e.editor != nil {
			records = append(records, record{op: opDirty, hash: e.hash})
		}
	}

	if c.journal != nil {
		_ = c.journal.Close()
		c.journal = nil
	}
	if err := writeJournal(c.dir, c.header(), records, defaultFilePerm); err != nil {
		return err
	}
	c.ops = 0
	return c.openJournalLocked()
}

// appendLocked writes records to the journal in a single write.
func (c *Cache) appendLocked(records ...record) error {
	if c.journal == nil {
		return ErrClosed
	}
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(r.line())
	}
	if _, err := c.journal.WriteString(sb.String()); err != nil {
		return fmt.Errorf("disk: append journal: %w", err)
	}
	c.ops += len(records)
	return nil
}

func (c *Cache) maybeCompactLocked() {
	if c.closed || c.ops < c.compactThreshold || c.ops < len(c.entries) {
		return
	}
	if err := c.rebuildJournalLocked(); err != nil {
		c.log().Warn("disk cache journal compaction failed", "dir", c.dir, "error", err)
		return
	}
	c.log().Debug("disk cache journal compacted", "dir", c.dir, "entries", len(c.entries))
}

// hashKey maps an arbitrary cache key onto a filesystem-safe name.
func hashKey(key string) string {
	return digest.FromString(key).Encoded()
}

func (c *Cache) dataRel(hash string, gen uint64) string {
	name := hash + "." + strconv.FormatUint(gen, 10)
	if c.shardPrefixLen <= 0 {
		return name
	}
	prefixLen := min(c.shardPrefixLen, len(hash))
	return filepath.Join(hash[:prefixLen], name)
}

func (c *Cache) dataPath(hash string, gen uint64) string {
	return filepath.Join(c.dir, c.dataRel(hash, gen))
}

// Get opens the committed snapshot stored under key.
// Returns ErrNotFound if there is none.
func (c *Cache) Get(key string) (*Snapshot, error) {
	hash := hashKey(key)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := c.entries[hash]
	if !ok || !e.readable {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	e.readers++
	c.lru.MoveToFront(e.elem)
	if err := c.appendLocked(record{op: opRead, hash: hash}); err != nil {
		c.log().Debug("disk cache read record not written", "hash", hash, "error", err)
	}
	rel := c.dataRel(hash, e.gen)
	size := e.size
	c.maybeCompactLocked()
	c.mu.Unlock()

	f, err := platform.OpenFileNoFollow(c.root, rel)
	if err != nil {
		c.mu.Lock()
		c.releaseReaderLocked(e)
		if errors.Is(err, fs.ErrNotExist) && e.readable && !e.removed && e.editor == nil {
			c.log().Warn("disk cache data file vanished", "hash", hash)
			c.removeEntryLocked(e)
			err = ErrNotFound
		}
		c.mu.Unlock()
		return nil, err
	}

	s := &Snapshot{c: c, e: e, size: size, rc: f}
	if c.compress {
		dec, release, err := c.decoders.get(f)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.rc = &decodingReader{dec: dec, release: release, under: f}
	}
	return s, nil
}

// Edit opens an editor for key. It returns ErrEditorBusy when another
// editor already holds the key; callers should skip or retry later.
func (c *Cache) Edit(key string) (*Editor, error) {
	hash := hashKey(key)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := c.entries[hash]
	if ok && e.editor != nil {
		c.mu.Unlock()
		return nil, ErrEditorBusy
	}
	if !ok {
		e = &entry{hash: hash}
		c.entries[hash] = e
	}
	ed := &Editor{c: c, e: e}
	e.editor = ed
	if err := c.appendLocked(record{op: opDirty, hash: hash}); err != nil {
		c.abortLocked(e)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	if err := ed.open(); err != nil {
		c.mu.Lock()
		c.abortLocked(e)
		c.mu.Unlock()
		return nil, err
	}
	return ed, nil
}

// Remove deletes the committed snapshot stored under key.
// Open snapshots stay readable until they are closed.
func (c *Cache) Remove(key string) error {
	hash := hashKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	e, ok := c.entries[hash]
	if !ok || !e.readable {
		return nil
	}
	if e.editor != nil {
		return ErrEditorBusy
	}
	c.removeEntryLocked(e)
	c.maybeCompactLocked()
	return nil
}

// Prune evicts least recently used entries until the committed size is at
// most target bytes. Entries with open readers or an active editor are
// skipped. Returns the number of bytes freed.
func (c *Cache) Prune(target int64) (int64, error) {
	if target < 0 {
		return 0, errors.New("disk: prune target must be >= 0")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	before := c.size
	c.trimToLocked(target, nil)
	c.maybeCompactLocked()
	return before - c.size, nil
}

// Size returns the committed bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the byte budget, 0 meaning unlimited.
func (c *Cache) MaxSize() int64 {
	return c.maxBytes
}

// Len returns the number of committed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Close flushes the journal and releases the directory lock.
// Editors still open fail on Commit; open snapshots remain readable.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.journal != nil {
		if err := c.journal.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := c.journal.Close(); err != nil {
			errs = append(errs, err)
		}
		c.journal = nil
	}
	if err := c.root.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.lock.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// trimLocked evicts down to the configured budget, if any. keep, when not
// nil, is never evicted.
func (c *Cache) trimLocked(maxBytes int64, keep *entry) {
	if maxBytes <= 0 {
		return
	}
	c.trimToLocked(maxBytes, keep)
}

// trimToLocked evicts committed entries, least recently used first, until
// size <= target. Entries with readers or an editor are skipped; they are
// reconsidered when the reader closes.
func (c *Cache) trimToLocked(target int64, keep *entry) {
	for elem := c.lru.Back(); elem != nil && c.size > target; {
		prev := elem.Prev()
		e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed by the index
		if e != keep && e.readers == 0 && e.editor == nil {
			c.log().Debug("disk cache evicting", "hash", e.hash, "size", e.size)
			c.removeEntryLocked(e)
		}
		elem = prev
	}
}

// removeEntryLocked drops a committed entry from the index and journals the
// removal. Its data file is deleted now, or when the last reader closes.
func (c *Cache) removeEntryLocked(e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	delete(c.entries, e.hash)
	c.size -= e.size
	e.readable = false

	if err := c.appendLocked(record{op: opRemove, hash: e.hash}); err != nil {
		c.log().Warn("disk cache remove record not written", "hash", e.hash, "error", err)
	}
	path := c.dataPath(e.hash, e.gen)
	if e.readers > 0 {
		e.removed = true
		e.stale = append(e.stale, path)
		return
	}
	c.deleteFile(path)
}

func (c *Cache) releaseReaderLocked(e *entry) {
	e.readers--
	if e.readers > 0 {
		return
	}
	for _, path := range e.stale {
		c.deleteFile(path)
	}
	e.stale = nil
	if !c.closed {
		c.trimLocked(c.maxBytes, nil)
	}
}

func (c *Cache) deleteFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log().Warn("disk cache failed to delete file", "path", path, "error", err)
	}
}

// commit installs the editor's temp file as the entry's new generation.
// The rename runs without the cache lock; the editor keeps the entry out of
// eviction meanwhile.
func (c *Cache) commit(ed *Editor, size int64) error {
	e := ed.e

	c.mu.Lock()
	if c.closed {
		e.editor = nil
		c.mu.Unlock()
		c.deleteFile(ed.tmpPath)
		return ErrClosed
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		c.abortLocked(e)
		c.maybeCompactLocked()
		c.mu.Unlock()
		c.deleteFile(ed.tmpPath)
		return fmt.Errorf("%d bytes over a %d byte budget: %w", size, c.maxBytes, ErrTooLarge)
	}
	gen := c.nextGen
	c.nextGen++
	c.mu.Unlock()

	finalPath := c.dataPath(e.hash, gen)
	if err := os.Rename(ed.tmpPath, finalPath); err != nil {
		c.deleteFile(ed.tmpPath)
		c.abort(ed)
		return fmt.Errorf("disk: install snapshot: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		e.editor = nil
		c.mu.Unlock()
		c.deleteFile(finalPath)
		return ErrClosed
	}
	if err := c.appendLocked(record{op: opClean, hash: e.hash, size: size, gen: gen}); err != nil {
		c.abortLocked(e)
		c.mu.Unlock()
		c.deleteFile(finalPath)
		return err
	}

	var old string
	if e.readable {
		path := c.dataPath(e.hash, e.gen)
		if e.readers > 0 {
			e.stale = append(e.stale, path)
		} else {
			old = path
		}
		c.size -= e.size
	}
	e.size, e.gen, e.readable = size, gen, true
	e.editor = nil
	c.size += size
	if e.elem == nil {
		e.elem = c.lru.PushFront(e)
	} else {
		c.lru.MoveToFront(e.elem)
	}

	c.trimLocked(c.maxBytes, e)
	c.maybeCompactLocked()
	c.mu.Unlock()

	if old != "" {
		c.deleteFile(old)
	}
	return nil
}

// abortLocked releases the entry's editor and journals the outcome. An entry
// that was never committed leaves the index.
func (c *Cache) abortLocked(e *entry) {
	e.editor = nil
	if c.closed {
		return
	}
	var r record
	if e.readable {
		r = record{op: opClean, hash: e.hash, size: e.size, gen: e.gen}
	} else {
		delete(c.entries, e.hash)
		r = record{op: opRemove, hash: e.hash}
	}
	if err := c.appendLocked(r); err != nil {
		c.log().Warn("disk cache abort record not written", "hash", e.hash, "error", err)
	}
}

func (c *Cache) abort(ed *Editor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked(ed.e)
	c.maybeCompactLocked()
}

// Snapshot reads one committed entry. Close must be called.
type Snapshot struct {
	c    *Cache
	e    *entry
	rc   io.ReadCloser
	size int64
	once sync.Once
}

// Read implements io.Reader.
func (s *Snapshot) Read(p []byte) (int, error) {
	return s.rc.Read(p)
}

// Size returns the stored size in bytes. With compression enabled this is
// the compressed size.
func (s *Snapshot) Size() int64 {
	return s.size
}

// Close releases the snapshot. It is safe to call more than once.
func (s *Snapshot) Close() error {
	var err error
	s.once.Do(func() {
		err = s.rc.Close()
		s.c.mu.Lock()
		s.c.releaseReaderLocked(s.e)
		s.c.mu.Unlock()
	})
	return err
}
