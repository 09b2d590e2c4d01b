package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("sink: closed")

var (
	attributedHeader = []string{"callsite offset", "callsite image", "destination offset", "destination image"}
	rawHeader        = []string{"callsite", "destination"}
)

// CSV writes one header row and then one row per edge, flushing each row
// before Write returns.
//
// Attributed sinks write four columns (offset and image for both ends);
// raw sinks write the two virtual addresses.
type CSV struct {
	mu         sync.Mutex
	w          *csv.Writer
	c          io.Closer
	attributed bool
	rows       uint64
}

// Create opens path for writing and emits the header.
func Create(path string, attributed bool) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: create %s: %w", path, err)
	}
	s, err := NewCSV(f, attributed)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.c = f
	return s, nil
}

// NewCSV writes the header to w. If w is an io.Closer it is not closed by
// Close; use Create for files.
func NewCSV(w io.Writer, attributed bool) (*CSV, error) {
	s := &CSV{w: csv.NewWriter(w), attributed: attributed}
	header := rawHeader
	if attributed {
		header = attributedHeader
	}
	if err := s.flush(header); err != nil {
		return nil, err
	}
	return s, nil
}

// Attributed reports the column layout.
func (s *CSV) Attributed() bool { return s.attributed }

// Rows returns the number of data rows written.
func (s *CSV) Rows() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Write appends r.
func (s *CSV) Write(r Row) error {
	var rec []string
	if s.attributed {
		rec = []string{
			hex(r.Callsite.Offset()), r.Callsite.Image(),
			hex(r.Dest.Offset()), r.Dest.Image(),
		}
	} else {
		rec = []string{hex(r.Callsite.Addr), hex(r.Dest.Addr)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return ErrClosed
	}
	if err := s.flush(rec); err != nil {
		return err
	}
	s.rows++
	return nil
}

func (s *CSV) flush(rec []string) error {
	if err := s.w.Write(rec); err != nil {
		return fmt.Errorf("sink: write: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("sink: flush: %w", err)
	}
	return nil
}

// Close releases the file opened by Create. Further writes fail.
func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	s.w = nil
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }
