package classify

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"ibresolver/internal/trace"
)

// ErrBadCallsites wraps every failure to read a callsite list.
var ErrBadCallsites = errors.New("classify: bad callsite list")

// CallsiteSet is a precomputed list of indirect branch addresses. When it
// is configured the classifier is not consulted: only listed addresses are
// ever tagged indirect.
type CallsiteSet struct {
	addrs map[uint64]struct{}
}

// NewCallsiteSet builds a set from addresses.
func NewCallsiteSet(addrs ...uint64) *CallsiteSet {
	s := &CallsiteSet{addrs: make(map[uint64]struct{}, len(addrs))}
	for _, a := range addrs {
		s.addrs[a] = struct{}{}
	}
	return s
}

// LoadCallsites reads a callsite list from path.
func LoadCallsites(path string) (*CallsiteSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCallsites, err)
	}
	defer f.Close()
	return ParseCallsites(f)
}

// ParseCallsites reads addresses separated by whitespace or commas, in any
// base strconv accepts with a prefix (0x..., 0o..., decimal). Text after
// '#' or "//" is a comment, and C array braces are ignored so a generated
// header body can be fed back in.
func ParseCallsites(r io.Reader) (*CallsiteSet, error) {
	s := NewCallsiteSet()
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.Index(text, "#"); i >= 0 {
			text = text[:i]
		}
		if i := strings.Index(text, "//"); i >= 0 {
			text = text[:i]
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			switch r {
			case ',', '{', '}', ';', ' ', '\t', '\r':
				return true
			}
			return false
		})
		for _, tok := range fields {
			v, err := strconv.ParseUint(tok, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %q", ErrBadCallsites, line, tok)
			}
			s.addrs[v] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCallsites, err)
	}
	return s, nil
}

// Tag implements Tagger.
func (s *CallsiteSet) Tag(addr uint64, _ []byte) trace.Tag {
	if _, ok := s.addrs[addr]; ok {
		return trace.TagIndirect
	}
	return trace.TagDirect
}

// Contains reports whether addr is listed.
func (s *CallsiteSet) Contains(addr uint64) bool {
	_, ok := s.addrs[addr]
	return ok
}

// Len returns the number of listed addresses.
func (s *CallsiteSet) Len() int { return len(s.addrs) }
