package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"dpas/internal/logging"
)

// column describes one table column. Numeric columns are right aligned.
// Free-text columns with a wrap width are soft wrapped on terminals and left
// whole when output is piped.
type column struct {
	header  string
	numeric bool
	wrap    int
}

var (
	jobColumns = []column{
		{header: "ID"},
		{header: "Status"},
		{header: "Attempts", numeric: true},
		{header: "Submitted"},
		{header: "Size", numeric: true},
		{header: "Last Error", wrap: 60},
	}
	failureColumns = []column{{header: "Item"}, {header: "Error", wrap: 72}}
	checkColumns   = []column{{header: "Check"}, {header: "Status"}, {header: "Detail", wrap: 72}}
)

// countColumns is the two-column layout used by every summary table.
func countColumns(label, unit string) []column {
	return []column{{header: label}, {header: unit, numeric: true}}
}

// renderTable draws rows under columns. Terminals get rounded box drawing;
// pipes and files get plain ASCII.
func renderTable(columns []column, rows [][]string) string {
	return renderTableFor(columns, rows, logging.StdoutIsTerminal())
}

func renderTableFor(columns []column, rows [][]string, terminal bool) string {
	if len(columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleDefault)
	if terminal {
		tw.SetStyle(table.StyleRounded)
	}

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, col := range columns {
		header[i] = col.header
		cfg := table.ColumnConfig{Number: i + 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft}
		if col.numeric {
			cfg.Align = text.AlignRight
			cfg.AlignHeader = text.AlignRight
		}
		if terminal && col.wrap > 0 {
			cfg.WidthMax = col.wrap
			cfg.WidthMaxEnforcer = text.WrapSoft
		}
		configs[i] = cfg
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i := range r {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}
