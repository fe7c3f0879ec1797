// Package filelog is an io.Writer that tees everything written to it to
// stdout and to a rotating log/latest.txt, keeping the previous run's
// output at log/last.txt. It's meant to back the standard log package for
// whatever a program prints outside of the structured zap loggers used on
// the networking hot paths.
package filelog

import (
	"fmt"
	"os"
	"path/filepath"
)

// Logger is an io.Writer; its zero value is not usable, construct with
// Open.
type Logger struct {
	dir string
}

// Open rotates any existing latest.txt to last.txt under dir and returns a
// Logger ready to receive writes for the new run. dir is created if it
// doesn't exist.
func Open(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, fmt.Errorf("filelog: mkdir %s: %w", dir, err)
	}
	latest := filepath.Join(dir, "latest.txt")
	last := filepath.Join(dir, "last.txt")
	os.Rename(latest, last)
	return &Logger{dir: dir}, nil
}

// Write satisfies io.Writer: p is printed to stdout and appended to
// log/latest.txt.
func (l *Logger) Write(p []byte) (int, error) {
	os.Stdout.Write(p)

	f, err := os.OpenFile(filepath.Join(l.dir, "latest.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
