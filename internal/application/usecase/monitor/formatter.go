package monitor

import (
	"fmt"
	"strings"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct {
	Color bool
}

func NewFormatter(color bool) *Formatter {
	return &Formatter{Color: color}
}

func (f *Formatter) paint(s, c string) string {
	if !f.Color {
		return s
	}
	return colorize(s, c)
}

func healthColor(h domain.BridgeHealth) string {
	switch h {
	case domain.HealthStreaming:
		return ansiGreen
	case domain.HealthFallback:
		return ansiYellow
	case domain.HealthReconnecting:
		return ansiRed
	default:
		return ansiDim
	}
}

func dirColor(d Dir) string {
	switch d {
	case DirUp:
		return ansiGreen
	case DirDown:
		return ansiRed
	default:
		return ansiYellow
	}
}

// Render draws one line: bridge health, then every symbol's last price and
// change rate. Fallback quotes are marked with (F).
func (f *Formatter) Render(st *State, mode RenderMode) string {
	snap := st.Snapshot()
	symbols := st.Symbols()
	health := st.Health()

	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}

	sb.WriteString(f.paint("[KRFEED] ", ansiDim))
	sb.WriteString(f.paint(string(health), healthColor(health)))

	for _, sym := range symbols {
		sb.WriteString(f.paint("  ||  ", ansiDim))
		sb.WriteString(sym)
		sb.WriteString(" ")

		ps := snap[sym]
		if !ps.has {
			sb.WriteString(f.paint("--", ansiDim))
			continue
		}
		sb.WriteString(f.paint(fmt.Sprintf("%.0f %+.2f%%", ps.price, ps.rate), dirColor(ps.dir)))
		if ps.source == domain.SourceFallback {
			sb.WriteString(f.paint(" (F)", ansiDim))
		}
	}

	if mode == RenderLive && f.Color {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}
