// Package diag counts recoverable runtime diagnostics.
package diag

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// Kind classifies a diagnostic.
type Kind int

const (
	DroppedPending Kind = iota // indirect branch replaced before it resolved
	BranchSkipped              // fallthrough executed after an indirect branch
	UnknownImage               // address outside every known segment
	UnknownFD                  // mmap of a descriptor no open was seen for
	OpenFailed                 // open/openat returned an error
	MmapFailed                 // mmap returned an error
	Retranslated               // block translated again
	Modified                   // retranslated block bytes changed
	UnknownBlock               // execution reported for an untranslated block
	WriteFailed                // output row could not be written
	numKinds
)

var kindNames = [numKinds]string{
	DroppedPending: "dropped_pending",
	BranchSkipped:  "branch_skipped",
	UnknownImage:   "unknown_image",
	UnknownFD:      "unknown_fd",
	OpenFailed:     "open_failed",
	MmapFailed:     "mmap_failed",
	Retranslated:   "retranslated",
	Modified:       "modified",
	UnknownBlock:   "unknown_block",
	WriteFailed:    "write_failed",
}

func (k Kind) String() string {
	if k >= 0 && k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Counts accumulates per-kind totals. The zero value is ready to use and
// safe for concurrent use.
type Counts struct {
	n [numKinds]atomic.Uint64
}

// Inc records one occurrence of k.
func (c *Counts) Inc(k Kind) {
	if k >= 0 && k < numKinds {
		c.n[k].Add(1)
	}
}

// Get returns the total for k.
func (c *Counts) Get(k Kind) uint64 {
	if k >= 0 && k < numKinds {
		return c.n[k].Load()
	}
	return 0
}

// Map returns the non-zero totals keyed by kind name.
func (c *Counts) Map() map[string]uint64 {
	m := make(map[string]uint64)
	for k := Kind(0); k < numKinds; k++ {
		if v := c.n[k].Load(); v > 0 {
			m[k.String()] = v
		}
	}
	return m
}

// Add folds other into c.
func (c *Counts) Add(other *Counts) {
	for k := Kind(0); k < numKinds; k++ {
		if v := other.n[k].Load(); v > 0 {
			c.n[k].Add(v)
		}
	}
}

// Sorted returns the non-zero kind names in stable order.
func (c *Counts) Sorted() []string {
	m := c.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
