package console

import (
	"fmt"
	"io"
	"os"
	"time"
)

type Sink struct {
	w io.Writer
}

// NewSink writes to w, or to stdout when w is nil.
func NewSink(w io.Writer) *Sink {
	if w == nil {
		w = os.Stdout
	}
	return &Sink{w: w}
}

func (s *Sink) WriteLive(line string) error {
	_, err := fmt.Fprint(s.w, line)
	return err
}

// WriteSnapshot leaves a blank line after the snapshot; the live line is
// redrawn on the next change.
func (s *Sink) WriteSnapshot(ts time.Time, line string) error {
	_, err := fmt.Fprintf(s.w, "\n%s %s\n\n", ts.Format("2006-01-02 15:04:05"), line)
	return err
}

func (s *Sink) NewLine() error {
	_, err := fmt.Fprint(s.w, "\n")
	return err
}
