// Package sink records resolved indirect-branch edges.
package sink

import (
	"errors"
	"fmt"

	"ibresolver/internal/segmap"
)

// Endpoint is one end of an edge: the raw guest address and, when the
// attributor knew it, the owning image and offset.
type Endpoint struct {
	Addr  uint64
	Loc   segmap.Location
	Known bool
}

// Image returns the image name, or segmap.UnknownImage.
func (e Endpoint) Image() string {
	if !e.Known {
		return segmap.UnknownImage
	}
	return e.Loc.Image
}

// Offset returns the image-relative offset, or the raw address when the
// image is unknown.
func (e Endpoint) Offset() uint64 {
	if !e.Known {
		return e.Addr
	}
	return e.Loc.Offset
}

func (e Endpoint) String() string {
	if !e.Known {
		return fmt.Sprintf("0x%x", e.Addr)
	}
	return e.Loc.String()
}

// Row is one resolved edge.
type Row struct {
	Callsite Endpoint
	Dest     Endpoint
}

// Sink receives rows in resolution order. Implementations serialise
// concurrent writers.
type Sink interface {
	Write(Row) error
	Close() error
}

// Multi fans rows out to several sinks.
type Multi []Sink

// Write sends r to every sink and joins their errors.
func (m Multi) Write(r Row) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
