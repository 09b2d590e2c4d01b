// Package replay drives a session from a recorded event trace.
//
// A trace is JSON Lines, one event per line:
//
//	{"ev":"translate","ctx":0,"start":"0x400000","code":"90ffd0"}
//	{"ev":"translate","ctx":0,"insns":[{"addr":"0x400100","code":"c3"}]}
//	{"ev":"exec","ctx":0,"pc":"0x400000"}
//	{"ev":"exec","ctx":0,"pc":"0x400000","insn":"0x400001"}
//	{"ev":"mem","addr":"0x7000","data":"2f6c69622f782e736f00"}
//	{"ev":"syscall_enter","ctx":0,"nr":257,"args":[0,"0x7000",0,0,0,0]}
//	{"ev":"syscall_exit","ctx":0,"nr":257,"ret":3}
//
// Addresses are JSON numbers or "0x"-prefixed strings. A translate event
// carries either explicit instructions or a code blob split at
// instruction boundaries for the session's architecture. An exec event
// without "n" or "insn" runs the whole block.
package replay

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ibresolver/internal/trace"
)

// Event kinds.
const (
	EvTranslate    = "translate"
	EvExec         = "exec"
	EvMem          = "mem"
	EvSyscallEnter = "syscall_enter"
	EvSyscallExit  = "syscall_exit"
)

// Addr is a guest address that decodes from a number or a hex string.
type Addr uint64

func (a *Addr) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return fmt.Errorf("replay: bad address %q", s)
		}
		*a = Addr(v)
		return nil
	}
	var v uint64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("replay: bad address %s", b)
	}
	*a = Addr(v)
	return nil
}

func (a Addr) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint64(a)))
}

// Hex is a byte string encoded as hex digits.
type Hex []byte

func (h *Hex) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.ReplaceAll(s, " ", "")
	v, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("replay: bad hex: %w", err)
	}
	*h = v
	return nil
}

func (h Hex) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// Insn is one instruction of a translate event.
type Insn struct {
	Addr Addr `json:"addr"`
	Code Hex  `json:"code"`
}

// Event is one trace line. Only the fields of its kind are set.
type Event struct {
	Ev  string          `json:"ev"`
	Ctx trace.ContextID `json:"ctx"`

	// translate
	Start Addr   `json:"start,omitempty"`
	Code  Hex    `json:"code,omitempty"`
	Insns []Insn `json:"insns,omitempty"`

	// exec
	PC   Addr  `json:"pc,omitempty"`
	N    int   `json:"n,omitempty"`
	Insn *Addr `json:"insn,omitempty"`

	// syscall_enter, syscall_exit
	Nr   uint64 `json:"nr,omitempty"`
	Args []Addr `json:"args,omitempty"`
	Ret  int64  `json:"ret,omitempty"`

	// mem
	Addr Addr `json:"addr,omitempty"`
	Data Hex  `json:"data,omitempty"`
}

// args6 pads or truncates the syscall arguments to six registers.
func (e *Event) args6() [6]uint64 {
	var out [6]uint64
	for i := 0; i < len(e.Args) && i < len(out); i++ {
		out[i] = uint64(e.Args[i])
	}
	return out
}
