package disk

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	journalName = "journal"
	journalTemp = "journal.tmp"
	lockName    = "journal.lock"

	journalMagic   = "sketch.disk"
	journalVersion = "1"
)

// Journal operations.
const (
	opDirty  = "DIRTY"
	opClean  = "CLEAN"
	opRemove = "REMOVE"
	opRead   = "READ"
)

var errMalformedJournal = errors.New("disk: malformed journal")

// record is one journal line.
//
//	DIRTY <hash>
//	CLEAN <hash> <size> <gen>
//	REMOVE <hash>
//	READ <hash>
type record struct {
	op   string
	hash string
	size int64
	gen  uint64
}

func (r record) line() string {
	if r.op == opClean {
		return r.op + " " + r.hash + " " + strconv.FormatInt(r.size, 10) + " " + strconv.FormatUint(r.gen, 10) + "\n"
	}
	return r.op + " " + r.hash + "\n"
}

func parseRecord(line string) (record, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !validHash(fields[1]) {
		return record{}, fmt.Errorf("%w: %q", errMalformedJournal, line)
	}
	r := record{op: fields[0], hash: fields[1]}
	switch r.op {
	case opDirty, opRemove, opRead:
		if len(fields) != 2 {
			return record{}, fmt.Errorf("%w: %q", errMalformedJournal, line)
		}
	case opClean:
		if len(fields) != 4 {
			return record{}, fmt.Errorf("%w: %q", errMalformedJournal, line)
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return record{}, fmt.Errorf("%w: bad size in %q", errMalformedJournal, line)
		}
		gen, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return record{}, fmt.Errorf("%w: bad generation in %q", errMalformedJournal, line)
		}
		r.size, r.gen = size, gen
	default:
		return record{}, fmt.Errorf("%w: unknown op in %q", errMalformedJournal, line)
	}
	return r, nil
}

func validHash(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// journalHeader identifies the journal format, the application version and
// the data file codec. A journal with a different header is discarded.
func journalHeader(appVersion, codec string) string {
	return journalMagic + "\n" + journalVersion + "\n" + appVersion + "\n" + codec + "\n\n"
}

// readJournal parses the journal at path.
//
// A trailing line without a newline, or an unparseable final line, is an
// interrupted append: it is dropped and torn is set so the caller rewrites
// the journal. Any other damage yields errMalformedJournal.
func readJournal(path, header string) (records []record, torn bool, err error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is owned by the cache
	if err != nil {
		return nil, false, err
	}
	if !bytes.HasPrefix(data, []byte(header)) {
		return nil, false, fmt.Errorf("%w: bad header", errMalformedJournal)
	}
	body := string(data[len(header):])
	if body == "" {
		return nil, false, nil
	}

	lines := strings.Split(body, "\n")
	last := lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	if last != "" {
		torn = true
	}

	records = make([]record, 0, len(lines))
	for i, line := range lines {
		r, err := parseRecord(line)
		if err != nil {
			if i == len(lines)-1 {
				torn = true
				break
			}
			return nil, false, err
		}
		records = append(records, r)
	}
	return records, torn, nil
}

// writeJournal atomically replaces the journal in dir with header plus records.
func writeJournal(dir, header string, records []record, perm os.FileMode) error {
	tmpPath := filepath.Join(dir, journalTemp)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) //nolint:gosec // path is owned by the cache
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString(header)
	for _, r := range records {
		sb.WriteString(r.line())
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, journalName)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
