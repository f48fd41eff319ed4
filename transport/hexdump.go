package transport

import (
	"encoding/hex"
	"strings"
)

// Hexdump renders data as offset, hex and ASCII columns, one 16-byte row per
// line, each line starting with prefix.
func Hexdump(data []byte, prefix string) string {
	dump := hex.Dump(data)
	if prefix == "" {
		return dump
	}
	var b strings.Builder
	for _, line := range strings.SplitAfter(dump, "\n") {
		if line == "" {
			continue
		}
		b.WriteString(prefix)
		b.WriteString(line)
	}
	return b.String()
}
