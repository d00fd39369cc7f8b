package main

import (
	"fmt"
	"strings"
)

// formatInt formats an integer with comma separators.
func formatInt(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := n < 0
	if neg {
		s = s[1:] // -n overflows for math.MinInt64
	}
	if len(s) > 3 {
		var b strings.Builder
		start := len(s) % 3
		if start > 0 {
			b.WriteString(s[:start])
		}
		for i := start; i < len(s); i += 3 {
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(s[i : i+3])
		}
		s = b.String()
	}
	if neg {
		return "-" + s
	}
	return s
}

// formatVolume formats share volume with B/M/K suffixes above a million.
func formatVolume(v int64) string {
	f := float64(v)
	switch {
	case f >= 1e9:
		return fmt.Sprintf("%.2fB", f/1e9)
	case f >= 1e6:
		return fmt.Sprintf("%.2fM", f/1e6)
	default:
		return formatInt(v)
	}
}

// formatChange formats the relative move from prev to cur as "+X.XX%".
// A zero prev yields "".
func formatChange(prev, cur float64) string {
	if prev == 0 {
		return ""
	}
	pct := (cur - prev) / prev * 100
	if pct >= 0 {
		return fmt.Sprintf("+%.2f%%", pct)
	}
	return fmt.Sprintf("%.2f%%", pct)
}
