// Package inspect renders offline reports of a cell's state straight from
// the database: its head commit, source chain, stored keys and triggers.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/queue"
	"github.com/mattjoyce/cellhost/internal/store"
	"github.com/mattjoyce/cellhost/internal/workspace"
)

// Report is the structured JSON representation of a cell report.
type Report struct {
	CellID    string         `json:"cell_id"`
	HeadSeq   uint64         `json:"head_seq"`
	HeadHash  string         `json:"head_hash"`
	Databases map[string]int `json:"databases"`
	Chain     []Step         `json:"chain"`
	Triggers  []Trigger      `json:"triggers"`
}

// Step is one source chain record.
type Step struct {
	Seq       uint64          `json:"seq"`
	CommitSeq uint64          `json:"commit_seq"`
	Type      string          `json:"type"`
	Address   string          `json:"address"`
	Author    string          `json:"author"`
	Timestamp time.Time       `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
}

type Trigger struct {
	ID        string       `json:"id"`
	Kind      string       `json:"kind"`
	Subject   string       `json:"subject"`
	Status    queue.Status `json:"status"`
	Attempt   int          `json:"attempt"`
	CommitSeq uint64       `json:"commit_seq"`
	LastError string       `json:"last_error,omitempty"`
}

// Options narrows a report. Zero values mean head snapshot and all entry types.
type Options struct {
	AsAt      cell.CommitHash
	EntryType string
	// Limit keeps only the newest chain records. Zero keeps all.
	Limit int
}

// BuildReport renders a terminal-friendly report for a cell.
func BuildReport(ctx context.Context, db *sql.DB, id cell.CellID, opts Options) (string, error) {
	report, err := Gather(ctx, db, id, opts)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Cell Report\n")
	fmt.Fprintf(&out, "Cell ID     : %s\n", report.CellID)
	fmt.Fprintf(&out, "Head        : %d %s\n", report.HeadSeq, report.HeadHash)
	fmt.Fprintf(&out, "Databases   :")
	for _, name := range workspace.Databases {
		fmt.Fprintf(&out, " %s=%d", name, report.Databases[name])
	}
	fmt.Fprintf(&out, "\n\n")

	if len(report.Chain) == 0 {
		fmt.Fprintf(&out, "Chain       : <empty>\n")
	}
	for _, step := range report.Chain {
		fmt.Fprintf(&out, "[%d] %s (commit %d)\n", step.Seq, step.Type, step.CommitSeq)
		fmt.Fprintf(&out, "    address   : %s\n", step.Address)
		fmt.Fprintf(&out, "    author    : %s\n", step.Author)
		fmt.Fprintf(&out, "    timestamp : %s\n", step.Timestamp.UTC().Format(time.RFC3339))
		fmt.Fprintf(&out, "    content   :\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(step.Content)), "\n") {
			fmt.Fprintf(&out, "      %s\n", line)
		}
	}

	fmt.Fprintf(&out, "\nTriggers    : %d\n", len(report.Triggers))
	for _, t := range report.Triggers {
		fmt.Fprintf(&out, "  - %s %s %s (%s, attempt %d)\n", t.ID, t.Kind, renderUnset(t.Subject, "<none>"), t.Status, t.Attempt)
		if t.LastError != "" {
			fmt.Fprintf(&out, "    error: %s\n", t.LastError)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, db *sql.DB, id cell.CellID, opts Options) (string, error) {
	report, err := Gather(ctx, db, id, opts)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// Gather reads the report data at one snapshot.
func Gather(ctx context.Context, db *sql.DB, id cell.CellID, opts Options) (*Report, error) {
	st := store.NewSQLite(db, nil)
	read, err := st.BeginRead(ctx, id, opts.AsAt)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer read.Close()

	snap := read.Snapshot()
	report := &Report{
		CellID:    id.String(),
		HeadSeq:   snap.Seq,
		HeadHash:  string(snap.Hash),
		Databases: make(map[string]int, len(workspace.Databases)),
	}

	for _, name := range workspace.Databases {
		kvs, err := read.Scan(ctx, name, "")
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}
		report.Databases[name] = len(kvs)
	}

	records, err := read.Chain(ctx, opts.EntryType)
	if err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[len(records)-opts.Limit:]
	}
	report.Chain = make([]Step, 0, len(records))
	for _, r := range records {
		report.Chain = append(report.Chain, Step{
			Seq:       r.Seq,
			CommitSeq: r.CommitSeq,
			Type:      r.Type,
			Address:   string(r.Address),
			Author:    string(r.Author),
			Timestamp: r.Timestamp,
			Content:   r.Content,
		})
	}

	triggers, err := queue.New(db).List(ctx, id.String(), "")
	if err != nil {
		return nil, err
	}
	report.Triggers = make([]Trigger, 0, len(triggers))
	for _, t := range triggers {
		tr := Trigger{
			ID:        t.ID,
			Kind:      t.Kind,
			Subject:   t.Subject,
			Status:    t.Status,
			Attempt:   t.Attempt,
			CommitSeq: t.CommitSeq,
		}
		if t.LastError != nil {
			tr.LastError = *t.LastError
		}
		report.Triggers = append(report.Triggers, tr)
	}
	return report, nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(data)
}

func renderUnset(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
