package util

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// PrintTable writes data as a table under headers. When the table would not
// fit the terminal, each row is printed as a separate record instead.
func PrintTable(w io.Writer, headers []string, data [][]string) {
	printTable(w, termWidth(), headers, data)
}

func printTable(w io.Writer, width int, headers []string, data [][]string) {
	if tableWidth(headers, data) > width {
		printRecords(w, width, headers, data)
		return
	}
	t := tablewriter.NewWriter(w)
	t.SetHeader(headers)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorders(tablewriter.Border{Left: true, Right: true})
	t.SetCenterSeparator("|")
	t.AppendBulk(data)
	t.Render()
}

// tableWidth is the rendered width of the table: one padded cell per column
// plus separators.
func tableWidth(headers []string, data [][]string) int {
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = len(header)
	}
	for _, row := range data {
		for i, col := range row {
			if i < len(widths) && len(col) > widths[i] {
				widths[i] = len(col)
			}
		}
	}
	total := len(headers) + 1
	for _, width := range widths {
		total += width + 2
	}
	return total
}

/*
printRecords prints one block per row:

	-[ RECORD 1 ]--+---------------
	name           | users
	segments       | 3
*/
func printRecords(w io.Writer, width int, headers []string, data [][]string) {
	labelWidth := len(fmt.Sprintf("-[ RECORD %d ]", len(data)))
	for _, header := range headers {
		labelWidth = max(labelWidth, len(header))
	}
	valueWidth := 0
	for _, row := range data {
		for _, col := range row {
			valueWidth = max(valueWidth, len(col))
		}
	}
	dashes := min(valueWidth+2, max(width-labelWidth-1, 1))
	for i, row := range data {
		label := fmt.Sprintf("-[ RECORD %d ]", i+1)
		fmt.Fprintf(w, "%s%s+%s\n", label, strings.Repeat("-", labelWidth-len(label)), strings.Repeat("-", dashes))
		for j, col := range row {
			fmt.Fprintf(w, "%-*s| %s\n", labelWidth, headers[j], col)
		}
	}
}
