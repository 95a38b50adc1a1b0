package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"caiyun/src/forecast"
)

var tableHeader = []string{"时间", "温度(°C)", "天气", "湿度(%)", "气压(hPa)", "风速(m/s)"}

const columnGap = 2

// terminalWidth returns the width of w in cells, or 0 when w is not a
// terminal.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// renderTable writes series as a column-aligned table. Widths are measured
// in terminal cells so Chinese labels line up with ASCII ones. With
// maxWidth > 0, trailing columns that do not fit are left out; the hour
// and temperature columns are always shown.
func renderTable(w io.Writer, series forecast.Series, maxWidth int) error {
	rows := make([][]string, 0, len(series.Points)+1)
	rows = append(rows, tableHeader)
	for _, p := range series.Points {
		rows = append(rows, []string{
			p.Hour,
			fmt.Sprintf("%.1f", p.TemperatureCelsius),
			p.Sky.Description(),
			fmt.Sprintf("%.0f", p.HumidityPercent),
			fmt.Sprintf("%.1f", p.PressureHPa),
			fmt.Sprintf("%.1f", p.WindSpeedMps),
		})
	}

	widths := make([]int, len(tableHeader))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}

	widths = fitColumns(widths, maxWidth)

	for n, row := range rows {
		cells := make([]string, len(widths))
		for i, cell := range row[:len(widths)] {
			cells[i] = runewidth.FillRight(cell, widths[i])
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, strings.Repeat(" ", columnGap)), " ")); err != nil {
			return err
		}
		if n == 0 {
			rule := make([]string, len(widths))
			for i, width := range widths {
				rule[i] = strings.Repeat("-", width)
			}
			if _, err := fmt.Fprintln(w, strings.Join(rule, strings.Repeat(" ", columnGap))); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w, "(%d points, %s)\n", len(series.Points), series.Source)
	return err
}

func fitColumns(widths []int, maxWidth int) []int {
	if maxWidth <= 0 {
		return widths
	}
	total := 0
	for i, width := range widths {
		if i > 0 {
			total += columnGap
		}
		total += width
		if total > maxWidth && i >= 2 {
			return widths[:i]
		}
	}
	return widths
}
