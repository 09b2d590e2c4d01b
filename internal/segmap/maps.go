package segmap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrBadMaps is returned for a malformed maps line.
var ErrBadMaps = errors.New("segmap: malformed maps line")

// MapsEntry is one line of a /proc/<pid>/maps listing, with addresses
// already translated to the guest.
type MapsEntry struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// ParseMaps reads a maps listing. Host addresses are translated to guest
// addresses by subtracting guestBase; entries below guestBase are not guest
// memory and are skipped. Anonymous mappings are skipped; pseudo mappings
// such as [vdso] keep their bracketed name.
func ParseMaps(r io.Reader, guestBase uint64) ([]MapsEntry, error) {
	var out []MapsEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		e, err := parseMapsLine(text)
		if err != nil {
			return out, fmt.Errorf("%w: line %d: %v", ErrBadMaps, line, err)
		}
		if e.Path == "" || e.Start < guestBase {
			continue
		}
		e.Start -= guestBase
		e.End -= guestBase
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("segmap: read maps: %w", err)
	}
	return out, nil
}

// parseMapsLine splits "start-end perms offset dev inode [path]". The path
// may contain spaces.
func parseMapsLine(text string) (MapsEntry, error) {
	fields := strings.Fields(text)
	if len(fields) < 5 {
		return MapsEntry{}, fmt.Errorf("want at least 5 fields, got %d", len(fields))
	}
	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return MapsEntry{}, fmt.Errorf("bad range %q", fields[0])
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return MapsEntry{}, err
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return MapsEntry{}, err
	}
	if end <= start {
		return MapsEntry{}, fmt.Errorf("empty range %q", fields[0])
	}
	off, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return MapsEntry{}, err
	}
	e := MapsEntry{Start: start, End: end, Perms: fields[1], Offset: off}
	if len(fields) > 5 {
		// Re-slice the original text so interior spaces survive.
		idx := 0
		for i := 0; i < 5; i++ {
			idx += strings.Index(text[idx:], fields[i]) + len(fields[i])
		}
		e.Path = strings.TrimSpace(text[idx:])
	}
	return e, nil
}

// LoadMaps parses the listing at path and adds every entry to m. It returns
// the number of segments added.
func LoadMaps(m *Map, path string, guestBase uint64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("segmap: open maps: %w", err)
	}
	defer f.Close()

	entries, err := ParseMaps(f, guestBase)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := m.Add(e.Path, e.Start, e.End, e.Offset); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}
