package port

import "time"

// Sink renders the relay tap for an operator terminal.
type Sink interface {
	// WriteLive overwrites the current line (no newline).
	WriteLive(line string) error
	// WriteSnapshot appends a timestamped line and leaves an empty line for
	// the next live update.
	WriteSnapshot(ts time.Time, line string) error
	NewLine() error
}
