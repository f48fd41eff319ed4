package peer

import (
	"errors"
	"fmt"
	"sync"
)

// MemorySize is the size of the simulated memory behind read_mem and
// write_mem.
const MemorySize = 4096

var errOutOfRange = errors.New("address out of range")

// RegisterDemo installs the function table of the demo firmware:
// version, add, sub, hello, read_mem and write_mem, plus echo.
func (p *Peer) RegisterDemo() error {
	var (
		memMu sync.Mutex
		mem   = make([]byte, MemorySize)
	)

	demo := []struct {
		name, doc string
		params    []string
		fn        any
	}{
		{"version", "software version", nil, func() []any {
			return []any{"main", "a/b/c", uint64(0x1234567)}
		}},
		{"add", "return x+y", []string{"x", "y"}, func(x, y uint32) uint32 { return x + y }},
		{"sub", "return x-y", []string{"x", "y"}, func(x, y uint32) uint32 { return x - y }},
		{"hello", "greet", nil, func() string { return "Hello world" }},
		{"read_mem", "read memory", []string{"addr", "size"}, func(addr, size uint32) ([]byte, error) {
			memMu.Lock()
			defer memMu.Unlock()
			if uint64(addr)+uint64(size) > MemorySize {
				return nil, fmt.Errorf("read_mem %#x+%d: %w", addr, size, errOutOfRange)
			}
			return append([]byte(nil), mem[addr:addr+size]...), nil
		}},
		{"write_mem", "write memory", []string{"addr", "data"}, func(addr uint32, data []byte) error {
			memMu.Lock()
			defer memMu.Unlock()
			if uint64(addr)+uint64(len(data)) > MemorySize {
				return fmt.Errorf("write_mem %#x+%d: %w", addr, len(data), errOutOfRange)
			}
			copy(mem[addr:], data)
			return nil
		}},
		{"echo", "echo x", []string{"x"}, func(v any) any { return v }},
	}

	for _, d := range demo {
		if err := p.Register(d.name, d.doc, d.params, d.fn); err != nil {
			return err
		}
	}
	return nil
}
