package main

import (
	"strings"
	"testing"
)

func TestRenderTableRightAlignsCounts(t *testing.T) {
	out := renderTableFor(countColumns("Status", "Count"), [][]string{{"done", "5"}, {"pending", "120"}}, false)
	for _, want := range []string{"| COUNT |", "|     5 |", "|   120 |", "| pending |"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in\n%s", want, out)
		}
	}
}

func TestRenderTableWrapsFreeTextOnlyOnTerminals(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("capability failed to load model ", 5))
	rows := [][]string{{"frame#000001.jpg", long}}

	piped := renderTableFor(failureColumns, rows, false)
	if !strings.Contains(piped, long) {
		t.Fatalf("expected piped output to keep the error whole:\n%s", piped)
	}
	tty := renderTableFor(failureColumns, rows, true)
	if strings.Contains(tty, long) {
		t.Fatalf("expected terminal output to wrap the error:\n%s", tty)
	}
	if !strings.Contains(tty, "╭") {
		t.Fatalf("expected rounded borders on terminals:\n%s", tty)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTableFor(checkColumns, [][]string{{"results_dir"}}, false)
	if lines := strings.Count(out, "\n"); lines != 4 {
		t.Fatalf("expected header, separators and one row, got %d lines:\n%s", lines, out)
	}
}
