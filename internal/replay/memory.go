package replay

import (
	"bytes"
	"fmt"
)

type region struct {
	addr uint64
	data []byte
}

// Memory is the sparse guest memory a trace carries for syscall argument
// reads. Later writes shadow earlier ones.
type Memory struct {
	regions []region // in write order
}

// Write records data at addr.
func (m *Memory) Write(addr uint64, data []byte) {
	m.regions = append(m.regions, region{addr: addr, data: append([]byte(nil), data...)})
}

// ReadString returns the NUL-terminated string at addr. It must lie in a
// single recorded region.
func (m *Memory) ReadString(addr uint64) (string, error) {
	for i := len(m.regions) - 1; i >= 0; i-- {
		r := m.regions[i]
		if addr < r.addr || addr >= r.addr+uint64(len(r.data)) {
			continue
		}
		b := r.data[addr-r.addr:]
		if n := bytes.IndexByte(b, 0); n >= 0 {
			return string(b[:n]), nil
		}
		return "", fmt.Errorf("replay: unterminated string at 0x%x", addr)
	}
	return "", fmt.Errorf("replay: no memory recorded at 0x%x", addr)
}
