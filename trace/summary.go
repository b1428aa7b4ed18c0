package trace

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// MethodCount is one row of a busiest-methods listing.
type MethodCount struct {
	Method string
	Count  int64
}

// FaultCount groups faults by guest exception class.
type FaultCount struct {
	Class  string
	Caught int64
	Total  int64
}

// Summary aggregates a trace database.
type Summary struct {
	Entries     int64
	Threads     int64
	MaxDepth    int64
	Faults      int64
	Uncaught    int64
	Units       int64
	TopMethods  []MethodCount
	FaultCounts []FaultCount
	UnitNames   []string
}

// Summary flushes pending events and aggregates everything recorded so far.
func (s *Sink) Summary(top int) (*Summary, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	return Summarize(s.db, top)
}

// OpenSummary summarizes the trace database at path without recording.
func OpenSummary(path string, top int) (*Summary, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	return Summarize(db, top)
}

// Summarize reads aggregates from an open trace database.
func Summarize(db *sql.DB, top int) (*Summary, error) {
	var sum Summary
	err := db.QueryRow(
		"SELECT COUNT(*), COUNT(DISTINCT thread), COALESCE(MAX(depth), 0) FROM method_entries",
	).Scan(&sum.Entries, &sum.Threads, &sum.MaxDepth)
	if err != nil {
		return nil, fmt.Errorf("counting entries: %w", err)
	}
	err = db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN caught = 0 THEN 1 ELSE 0 END), 0) FROM faults",
	).Scan(&sum.Faults, &sum.Uncaught)
	if err != nil {
		return nil, fmt.Errorf("counting faults: %w", err)
	}

	rows, err := db.Query(
		"SELECT method, COUNT(*) AS n FROM method_entries GROUP BY method ORDER BY n DESC, method LIMIT ?", top,
	)
	if err != nil {
		return nil, fmt.Errorf("querying methods: %w", err)
	}
	for rows.Next() {
		var mc MethodCount
		if err := rows.Scan(&mc.Method, &mc.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning method: %w", err)
		}
		sum.TopMethods = append(sum.TopMethods, mc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.Query(
		"SELECT class, SUM(caught), COUNT(*) FROM faults GROUP BY class ORDER BY class",
	)
	if err != nil {
		return nil, fmt.Errorf("querying faults: %w", err)
	}
	for rows.Next() {
		var fc FaultCount
		if err := rows.Scan(&fc.Class, &fc.Caught, &fc.Total); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning fault: %w", err)
		}
		sum.FaultCounts = append(sum.FaultCounts, fc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.Query("SELECT name FROM units ORDER BY at, name")
	if err != nil {
		return nil, fmt.Errorf("querying units: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning unit: %w", err)
		}
		sum.UnitNames = append(sum.UnitNames, name)
	}
	sum.Units = int64(len(sum.UnitNames))
	return &sum, rows.Err()
}

// String renders the summary for a terminal.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "method entries: %s across %s threads (max depth %d)\n",
		humanize.Comma(s.Entries), humanize.Comma(s.Threads), s.MaxDepth)
	fmt.Fprintf(&b, "faults:         %s (%s uncaught)\n", humanize.Comma(s.Faults), humanize.Comma(s.Uncaught))
	fmt.Fprintf(&b, "compiled units: %s\n", humanize.Comma(s.Units))
	if len(s.TopMethods) > 0 {
		b.WriteString("\nbusiest methods:\n")
		for _, m := range s.TopMethods {
			fmt.Fprintf(&b, "  %12s  %s\n", humanize.Comma(m.Count), m.Method)
		}
	}
	if len(s.FaultCounts) > 0 {
		b.WriteString("\nfaults by class:\n")
		for _, f := range s.FaultCounts {
			fmt.Fprintf(&b, "  %6d caught / %-6d  %s\n", f.Caught, f.Total, f.Class)
		}
	}
	return b.String()
}
