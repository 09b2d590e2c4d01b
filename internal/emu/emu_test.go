package emu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockTracker(t *testing.T) {
	bt := newBlockTracker()
	assert.True(t, bt.needs(0x1000, []byte{0xff, 0xd0}))
	assert.False(t, bt.needs(0x1000, []byte{0xff, 0xd0}))
	// Self-modified bytes force a retranslation.
	assert.True(t, bt.needs(0x1000, []byte{0xff, 0xd1}))
	assert.True(t, bt.needs(0x2000, []byte{0xff, 0xd1}))
}

func fakeMem(base uint64, data []byte) memString {
	return func(addr, size uint64) ([]byte, error) {
		if addr < base || addr >= base+uint64(len(data)) {
			return nil, errors.New("unmapped")
		}
		end := addr + size
		if end > base+uint64(len(data)) {
			end = base + uint64(len(data))
		}
		return data[addr-base : end-base], nil
	}
}

func TestMemString(t *testing.T) {
	data := make([]byte, 200)
	copy(data[60:], "/lib/x86_64-linux-gnu/libc.so.6\x00")
	m := fakeMem(0x1000, data)

	s, err := m.ReadString(0x1000 + 60)
	require.NoError(t, err)
	assert.Equal(t, "/lib/x86_64-linux-gnu/libc.so.6", s)

	_, err = m.ReadString(0x9000)
	assert.Error(t, err)

	// Runs off the end of the mapping without a terminator.
	tail := fakeMem(0x1000, []byte("abc"))
	_, err = tail.ReadString(0x1000)
	assert.Error(t, err)
}

func TestPageRounding(t *testing.T) {
	assert.Equal(t, uint64(0x1000), pageDown(0x1fff))
	assert.Equal(t, uint64(0x2000), pageUp(0x1001))
	assert.Equal(t, uint64(0x1000), pageUp(0x1000))
}
