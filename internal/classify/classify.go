// Package classify decides whether a guest instruction is an indirect branch.
//
// Two strategies share the Classifier interface: Pattern, a narrow bit-mask
// and byte-pattern matcher that never reports false positives for the forms
// it lists, and Decoder, built on golang.org/x/arch instruction decoding.
// BackendBoth ORs them so the decoder's gaps are covered by the patterns.
package classify

import (
	"errors"
	"fmt"
	"strings"

	"ibresolver/internal/arch"
	"ibresolver/internal/trace"
)

var (
	ErrUnsupportedArch = errors.New("classify: unsupported architecture")
	ErrNoDecoder       = errors.New("classify: no instruction decoder for architecture")
	ErrBadBackend      = errors.New("classify: unknown backend")
)

// Classifier reports whether code (exactly one instruction) is an indirect
// branch. Implementations hold no mutable state.
type Classifier interface {
	Classify(code []byte) bool
}

// Backend selects the classification strategy.
type Backend int

const (
	BackendPattern Backend = iota
	BackendDecoder
	BackendBoth
)

func (b Backend) String() string {
	switch b {
	case BackendPattern:
		return "pattern"
	case BackendDecoder:
		return "decoder"
	case BackendBoth:
		return "both"
	}
	return fmt.Sprintf("backend(%d)", int(b))
}

// ParseBackend maps a configuration name to a Backend.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pattern", "simple":
		return BackendPattern, nil
	case "decoder":
		return BackendDecoder, nil
	case "both":
		return BackendBoth, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadBackend, name)
}

// New configures a classifier for a and b. It fails when the architecture
// has no pattern table or, for decoder backends, no decoder.
func New(a arch.Arch, b Backend) (Classifier, error) {
	switch b {
	case BackendPattern:
		return PatternFor(a)
	case BackendDecoder:
		return NewDecoder(a)
	case BackendBoth:
		d, err := NewDecoder(a)
		if err != nil {
			return nil, err
		}
		p, err := PatternFor(a)
		if err != nil {
			return nil, err
		}
		return Either(d, p), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrBadBackend, b)
}

type either []Classifier

func (e either) Classify(code []byte) bool {
	for _, c := range e {
		if c.Classify(code) {
			return true
		}
	}
	return false
}

// Either returns a classifier reporting indirect when any of cs does.
func Either(cs ...Classifier) Classifier { return either(cs) }

// Tagger assigns a Tag to an instruction at translation time.
type Tagger interface {
	Tag(addr uint64, code []byte) trace.Tag
}

type byBytes struct{ c Classifier }

func (b byBytes) Tag(_ uint64, code []byte) trace.Tag {
	if b.c.Classify(code) {
		return trace.TagIndirect
	}
	return trace.TagDirect
}

// ByBytes tags instructions by classifying their encoding.
func ByBytes(c Classifier) Tagger { return byBytes{c: c} }
