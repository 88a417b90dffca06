package console

import (
	"bytes"
	"testing"
	"time"
)

func TestSinkWrites(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	_ = s.WriteLive("\rlive")
	_ = s.WriteSnapshot(time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC), "snap")
	_ = s.NewLine()

	want := "\rlive\n2025-01-02 09:00:00 snap\n\n\n"
	if got := buf.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
