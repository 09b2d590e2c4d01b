package trace

import "fmt"

// Kind selects the variant of an Origin.
type Kind uint8

const (
	KindNone Kind = iota
	// KindBlock: entry of a block; Addr is the block start.
	KindBlock
	// KindBlockIndirect: block entry whose first instruction is itself an
	// indirect branch.
	KindBlockIndirect
	// KindIndirect: an indirect branch instruction inside a block.
	KindIndirect
	// KindFallthrough: the instruction after an indirect branch in the
	// same block; Branch holds the branch address.
	KindFallthrough
	// KindSyscall: a syscall site; Nr holds the syscall number.
	KindSyscall
)

func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindBlockIndirect:
		return "block+indirect"
	case KindIndirect:
		return "indirect"
	case KindFallthrough:
		return "fallthrough"
	case KindSyscall:
		return "syscall"
	}
	return "none"
}

// Origin is the record bound to an execution callback.
// Start and End give the enclosing block range.
type Origin struct {
	Kind   Kind
	Addr   uint64
	Start  uint64
	End    uint64
	Branch uint64
	Nr     uint64
}

func (o Origin) String() string {
	switch o.Kind {
	case KindFallthrough:
		return fmt.Sprintf("%s 0x%x (after 0x%x)", o.Kind, o.Addr, o.Branch)
	case KindSyscall:
		return fmt.Sprintf("%s %d at 0x%x", o.Kind, o.Nr, o.Addr)
	}
	return fmt.Sprintf("%s 0x%x [0x%x-0x%x]", o.Kind, o.Addr, o.Start, o.End)
}

// Handle indexes an Origin in an Arena. The zero Handle is never issued.
type Handle uint32

type slot struct {
	o    Origin
	live bool
}

// Arena stores Origins by Handle and recycles released slots.
// It is not safe for concurrent use; each correlator owns one.
type Arena struct {
	slots []slot
	free  []Handle
}

// Put stores o and returns its handle.
func (a *Arena) Put(o Origin) Handle {
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[h-1] = slot{o: o, live: true}
		return h
	}
	a.slots = append(a.slots, slot{o: o, live: true})
	return Handle(len(a.slots))
}

// Get returns the Origin for h. Released or unknown handles report false.
func (a *Arena) Get(h Handle) (Origin, bool) {
	if h == 0 || int(h) > len(a.slots) {
		return Origin{}, false
	}
	s := a.slots[h-1]
	return s.o, s.live
}

// Release frees h for reuse.
func (a *Arena) Release(h Handle) {
	if h == 0 || int(h) > len(a.slots) || !a.slots[h-1].live {
		return
	}
	a.slots[h-1] = slot{}
	a.free = append(a.free, h)
}

// Len returns the number of live origins.
func (a *Arena) Len() int { return len(a.slots) - len(a.free) }
