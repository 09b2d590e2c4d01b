// Package segmap attributes guest virtual addresses to loaded images.
//
// A Map is append-only. Writers are serialised; each append publishes a new
// immutable snapshot, so Resolve never observes a half-added segment and
// never takes a lock.
package segmap

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrBadSegment is returned for a segment whose end precedes its base.
var ErrBadSegment = errors.New("segmap: invalid segment")

// UnknownImage is the image name written for unattributed addresses.
const UnknownImage = "<unknown>"

// Segment is one mapped range of an image. End is exclusive; zero means
// the extent is unknown and the segment reaches up to the next base.
type Segment struct {
	Base       uint64
	End        uint64
	FileOffset uint64
	Image      string
}

// Contains reports whether addr lies inside the segment's known extent.
func (s Segment) Contains(addr uint64) bool {
	return addr >= s.Base && (s.End == 0 || addr < s.End)
}

// Image groups the segments of one file, sorted by base.
type Image struct {
	Name     string
	Segments []Segment
}

// Location is an attributed address.
type Location struct {
	Image  string
	Offset uint64
}

func (l Location) String() string {
	return fmt.Sprintf("%s+0x%x", l.Image, l.Offset)
}

type snapshot struct {
	gen  uint64
	segs []Segment // sorted by Base; equal bases keep insertion order
}

type cacheKey struct {
	gen  uint64
	addr uint64
}

type cacheVal struct {
	loc Location
	ok  bool
}

// DefaultCacheSize is the number of resolved addresses a Map remembers.
const DefaultCacheSize = 4096

// Map is the shared segment map.
type Map struct {
	mu    sync.Mutex // serialises writers
	snap  atomic.Pointer[snapshot]
	order []string // image names in first-seen order
	cache *lru.Cache[cacheKey, cacheVal]
}

// New returns an empty map with a resolve cache of cacheSize entries
// (DefaultCacheSize when cacheSize <= 0).
func New(cacheSize int) *Map {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	c, err := lru.New[cacheKey, cacheVal](cacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	m := &Map{cache: c}
	m.snap.Store(&snapshot{})
	return m
}

// Add appends a segment of image name.
func (m *Map) Add(name string, base, end, fileOffset uint64) error {
	if end != 0 && end <= base {
		return fmt.Errorf("%w: %s [0x%x,0x%x)", ErrBadSegment, name, base, end)
	}
	seg := Segment{Base: base, End: end, FileOffset: fileOffset, Image: name}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.snap.Load()
	i := sort.Search(len(old.segs), func(i int) bool { return old.segs[i].Base > base })
	segs := make([]Segment, 0, len(old.segs)+1)
	segs = append(segs, old.segs[:i]...)
	segs = append(segs, seg)
	segs = append(segs, old.segs[i:]...)

	seen := false
	for _, s := range old.segs {
		if s.Image == name {
			seen = true
			break
		}
	}
	if !seen {
		m.order = append(m.order, name)
	}

	m.snap.Store(&snapshot{gen: old.gen + 1, segs: segs})
	return nil
}

// AddFixed registers an always-present image at base with file offset 0,
// used for the primary binary and its interpreter.
func (m *Map) AddFixed(name string, base uint64) error {
	return m.Add(name, base, 0, 0)
}

// Resolve attributes vaddr to the segment with the greatest base not above
// it. Addresses past a segment's known end are unknown.
func (m *Map) Resolve(vaddr uint64) (Location, bool) {
	s := m.snap.Load()
	key := cacheKey{gen: s.gen, addr: vaddr}
	if v, ok := m.cache.Get(key); ok {
		return v.loc, v.ok
	}
	loc, ok := s.resolve(vaddr)
	m.cache.Add(key, cacheVal{loc: loc, ok: ok})
	return loc, ok
}

func (s *snapshot) resolve(vaddr uint64) (Location, bool) {
	i := sort.Search(len(s.segs), func(i int) bool { return s.segs[i].Base > vaddr }) - 1
	if i < 0 {
		return Location{}, false
	}
	seg := s.segs[i]
	if !seg.Contains(vaddr) {
		return Location{}, false
	}
	return Location{Image: seg.Image, Offset: vaddr - seg.Base + seg.FileOffset}, true
}

// Len returns the number of segments.
func (m *Map) Len() int { return len(m.snap.Load().segs) }

// Segments returns the segments sorted by base.
func (m *Map) Segments() []Segment {
	segs := m.snap.Load().segs
	out := make([]Segment, len(segs))
	copy(out, segs)
	return out
}

// Images groups the segments by image in first-seen order.
func (m *Map) Images() []Image {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	segs := m.snap.Load().segs
	m.mu.Unlock()

	idx := make(map[string]int, len(order))
	out := make([]Image, len(order))
	for i, name := range order {
		idx[name] = i
		out[i].Name = name
	}
	for _, s := range segs {
		i := idx[s.Image]
		out[i].Segments = append(out[i].Segments, s)
	}
	return out
}
