package targetlog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kylelemons/godebug/diff"
)

var ErrTranscriptMismatch = errors.New("targetlog: logs differ from expected")

// Transcript is a Sink that records every line so the stream can be checked
// against an expected file once it ends.
type Transcript struct {
	mu    sync.Mutex
	lines []string
}

func (t *Transcript) Emit(severity string, module uint8, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, fmt.Sprintf("%s %d %s", severity, module, text))
}

// String returns the recorded lines, each ending in a newline.
func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return ""
	}
	return strings.Join(t.lines, "\n") + "\n"
}

// Compare checks the recorded lines against expected. A trailing newline in
// expected is optional. On mismatch the error carries a line diff, expected
// lines prefixed with '-' and received ones with '+'.
func (t *Transcript) Compare(expected string) error {
	got := t.String()
	want := expected
	if want != "" && !strings.HasSuffix(want, "\n") {
		want += "\n"
	}
	if got == want {
		return nil
	}
	return fmt.Errorf("%w:\n%s", ErrTranscriptMismatch, diff.Diff(want, got))
}

// CompareFile is Compare with the expected lines read from path.
func (t *Transcript) CompareFile(path string) error {
	expected, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("targetlog: reading expected logs: %w", err)
	}
	return t.Compare(string(expected))
}
