package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"qlbridge/internal/bqrs"
	"qlbridge/internal/history"
)

type resultSetJSON struct {
	Name      string     `json:"name"`
	Columns   []string   `json:"columns"`
	Rows      [][]string `json:"rows"`
	TotalRows int64      `json:"total_rows"`
	Page      int        `json:"page"`
	NextPage  int        `json:"next_page,omitempty"`
}

type runJSON struct {
	ID           string         `json:"id"`
	Query        string         `json:"query"`
	QueryName    string         `json:"query_name"`
	Database     string         `json:"database"`
	Status       string         `json:"status"`
	ResultType   string         `json:"result_type,omitempty"`
	Message      string         `json:"message,omitempty"`
	EvaluationMS int64          `json:"evaluation_ms"`
	ResultCount  int64          `json:"result_count"`
	Output       string         `json:"output"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	Results      *resultSetJSON `json:"results,omitempty"`
}

func toRunJSON(run *history.Run, page *bqrs.ResultSet, err error) runJSON {
	out := runJSON{
		ID:           run.ID,
		Query:        run.QueryPath,
		QueryName:    run.QueryName,
		Database:     run.DatabasePath,
		Status:       string(run.Status),
		ResultType:   run.ResultType,
		Message:      run.Message,
		EvaluationMS: run.Evaluation.Milliseconds(),
		ResultCount:  run.ResultCount,
		Output:       run.OutputPath,
		CreatedAt:    run.CreatedAt,
		CompletedAt:  run.CompletedAt,
	}
	if err != nil {
		out.Error = err.Error()
	}
	if page != nil {
		out.Results = toResultSetJSON(page)
	}
	return out
}

func toResultSetJSON(page *bqrs.ResultSet) *resultSetJSON {
	rows := make([][]string, 0, len(page.Tuples))
	for _, tuple := range page.Tuples {
		rows = append(rows, bqrs.FormatTuple(tuple))
	}
	return &resultSetJSON{
		Name:      page.Name,
		Columns:   bqrs.Header(page.Columns),
		Rows:      rows,
		TotalRows: page.TotalRows,
		Page:      page.Page,
		NextPage:  page.Next,
	}
}

// renderResultSet prints one page of results with a footer describing the
// position in the full set.
func renderResultSet(w io.Writer, page *bqrs.ResultSet) {
	if page == nil {
		return
	}
	if len(page.Tuples) == 0 {
		fmt.Fprintf(w, "%s: no results\n", displayResultSetName(page.Name))
		return
	}
	headers := bqrs.Header(page.Columns)
	rows := make([][]string, 0, len(page.Tuples))
	for _, tuple := range page.Tuples {
		rows = append(rows, bqrs.FormatTuple(tuple))
	}
	aligns := make([]columnAlignment, len(page.Columns))
	for i, col := range page.Columns {
		if col.Kind == bqrs.KindInteger || col.Kind == bqrs.KindFloat {
			aligns[i] = alignRight
		}
	}
	fmt.Fprintln(w, renderTable(headers, rows, aligns))
	fmt.Fprintln(w, pageFooter(page))
}

func pageFooter(page *bqrs.ResultSet) string {
	var b strings.Builder
	b.WriteString(displayResultSetName(page.Name))
	b.WriteString(": ")
	b.WriteString(strconv.Itoa(len(page.Tuples)))
	b.WriteString(" of ")
	b.WriteString(strconv.FormatInt(page.TotalRows, 10))
	b.WriteString(" rows")
	if page.HasMore() {
		fmt.Fprintf(&b, " (page %d; use --page %d for more)", page.Page, page.Next)
	}
	return b.String()
}

func displayResultSetName(name string) string {
	if name == "" {
		return "results"
	}
	return name
}

func renderRunSummary(w io.Writer, run *history.Run, err error) {
	status := string(run.Status)
	if run.ResultType != "" {
		status += " (" + run.ResultType + ")"
	}
	fmt.Fprintf(w, "%s  %s  %s  %s\n", shortID(run.ID), run.QueryName, status, formatDuration(run.Evaluation))
	if msg := strings.TrimSpace(run.Message); msg != "" && run.Status != history.StatusCompleted {
		fmt.Fprintf(w, "  %s\n", firstLine(msg))
	}
	if err != nil && run.Status == history.StatusCompleted {
		fmt.Fprintf(w, "  %v\n", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
