package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"quantcache/internal/cache"
	"quantcache/internal/domain"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	colHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	symbolStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	finalStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	provStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	gainStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// cell pads s to width after styling so columns stay aligned.
func cell(style lipgloss.Style, width int, s string) string {
	return style.Width(width).Render(s)
}

type column struct {
	name  string
	width int
}

func header(cols ...column) string {
	var b strings.Builder
	for _, c := range cols {
		b.WriteString(cell(colHeaderStyle, c.width, c.name))
	}
	return b.String()
}

func stateStyle(s domain.DayState) lipgloss.Style {
	if s == domain.DayStateFinal {
		return finalStyle
	}
	return provStyle
}

func renderInfo(info cache.Info) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d cached symbols", info.TotalSymbols)))
	b.WriteString("\n\n")

	b.WriteString(titleStyle.Render("Daily series"))
	b.WriteString("\n")
	if len(info.Series) == 0 {
		b.WriteString(dimStyle.Render("  (none)"))
		b.WriteString("\n")
	} else {
		b.WriteString(header(column{"SYMBOL", 10}, column{"FROM", 12}, column{"TO", 12}, column{"BARS", 8}, column{"UPDATED", 20}))
		b.WriteString("\n")
		for _, s := range info.Series {
			b.WriteString(cell(symbolStyle, 10, s.Symbol))
			b.WriteString(cell(lipgloss.NewStyle(), 12, s.Range.Min))
			b.WriteString(cell(lipgloss.NewStyle(), 12, s.Range.Max))
			b.WriteString(cell(lipgloss.NewStyle(), 8, formatInt(int64(s.RecordCount))))
			b.WriteString(dimStyle.Render(s.LastUpdate.Local().Format("2006-01-02 15:04:05")))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("Intraday days"))
	b.WriteString("\n")
	if len(info.Days) == 0 {
		b.WriteString(dimStyle.Render("  (none)"))
		return b.String()
	}
	b.WriteString(header(column{"SYMBOL", 10}, column{"DAY", 12}, column{"STATE", 13}, column{"TICKS", 8}, column{"UPDATED", 20}))
	for _, d := range info.Days {
		b.WriteString("\n")
		b.WriteString(cell(symbolStyle, 10, d.Symbol))
		b.WriteString(cell(lipgloss.NewStyle(), 12, d.TradingDay))
		b.WriteString(cell(stateStyle(d.State), 13, string(d.State)))
		b.WriteString(cell(lipgloss.NewStyle(), 8, formatInt(int64(d.RecordCount))))
		b.WriteString(dimStyle.Render(d.LastUpdate.Local().Format("2006-01-02 15:04:05")))
	}
	return b.String()
}

func renderDays(symbol string, days []time.Time) string {
	if len(days) == 0 {
		return dimStyle.Render("no cached days for " + strings.ToUpper(symbol))
	}
	lines := make([]string, 0, len(days)+1)
	lines = append(lines, titleStyle.Render(fmt.Sprintf("%s: %d cached days", strings.ToUpper(symbol), len(days))))
	for _, d := range days {
		lines = append(lines, "  "+domain.FormatDate(d))
	}
	return strings.Join(lines, "\n")
}

func renderBars(bars []domain.Bar) string {
	if len(bars) == 0 {
		return dimStyle.Render("no bars")
	}
	var b strings.Builder
	b.WriteString(header(column{"DATE", 12}, column{"OPEN", 11}, column{"HIGH", 11}, column{"LOW", 11}, column{"CLOSE", 11}, column{"CHG", 10}, column{"VOLUME", 14}))
	prev := bars[0].Open
	for _, bar := range bars {
		style := gainStyle
		if bar.Close < prev {
			style = lossStyle
		}
		change := formatChange(prev, bar.Close)
		prev = bar.Close
		b.WriteString("\n")
		b.WriteString(cell(lipgloss.NewStyle(), 12, domain.FormatDate(bar.Date)))
		b.WriteString(cell(lipgloss.NewStyle(), 11, fmt.Sprintf("%.2f", bar.Open)))
		b.WriteString(cell(lipgloss.NewStyle(), 11, fmt.Sprintf("%.2f", bar.High)))
		b.WriteString(cell(lipgloss.NewStyle(), 11, fmt.Sprintf("%.2f", bar.Low)))
		b.WriteString(cell(style, 11, fmt.Sprintf("%.2f", bar.Close)))
		b.WriteString(cell(style, 10, change))
		b.WriteString(cell(dimStyle, 14, formatVolume(bar.Volume)))
	}
	return b.String()
}

// maxTickRows bounds how many ticks renderTicks prints; the rest are
// summarised.
const maxTickRows = 50

func renderTicks(day time.Time, ticks []domain.Tick) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s: %s ticks", domain.FormatDate(day), formatInt(int64(len(ticks))))))
	b.WriteString("\n")
	b.WriteString(header(column{"TIME", 16}, column{"PRICE", 11}, column{"VOLUME", 10}, column{"FLAG", 10}))
	for i, t := range ticks {
		if i == maxTickRows {
			b.WriteString("\n")
			b.WriteString(dimStyle.Render(fmt.Sprintf("... %d more", len(ticks)-maxTickRows)))
			break
		}
		b.WriteString("\n")
		b.WriteString(cell(lipgloss.NewStyle(), 16, t.Timestamp.Local().Format("15:04:05.000")))
		b.WriteString(cell(lipgloss.NewStyle(), 11, fmt.Sprintf("%.4f", t.Price)))
		b.WriteString(cell(lipgloss.NewStyle(), 10, formatInt(t.Volume)))
		b.WriteString(cell(dimStyle, 10, fmt.Sprint(t.Flag)))
	}
	return b.String()
}
