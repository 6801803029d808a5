package logger

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// renderBar draws a fixed-width ASCII bar: "[=====     ] 3/6 (50%)".
// Cyan while in progress, green once everything has settled.
func renderBar(done, total, width int, colored bool) string {
	if width < 1 {
		width = 10
	}

	perc := 0
	if total > 0 {
		perc = done * 100 / total
		if perc > 100 {
			perc = 100
		}
		if perc < 0 {
			perc = 0
		}
	}

	filled := perc * width / 100
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := fmt.Sprintf("[%s%s] %d/%d (%d%%)",
		strings.Repeat("=", filled), strings.Repeat(" ", width-filled),
		done, total, perc)

	switch {
	case colored && total > 0 && perc == 100:
		return color.New(color.FgGreen).Sprint(bar)
	case colored && perc < 100:
		return color.New(color.FgCyan).Sprint(bar)
	default:
		return bar
	}
}
