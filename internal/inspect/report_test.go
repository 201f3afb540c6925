package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/cellhost/internal/bundle"
	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/engine"
	"github.com/mattjoyce/cellhost/internal/guest"
	"github.com/mattjoyce/cellhost/internal/storage"
	"github.com/mattjoyce/cellhost/internal/store"
)

const notesZome = `
def add(payload):
    host.create("note", {"text": payload["text"]})
    return None
`

func setup(t *testing.T, notes ...string) (*sql.DB, engine.CellInfo) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cells.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	eng, err := engine.New(engine.Options{DB: db, Runtime: guest.NewStarlark()})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Close)

	b, err := bundle.New(bundle.Manifest{
		Name:  "notes",
		Zomes: []bundle.Zome{{Name: "notes", Location: bundle.Location{Bundled: "notes.star"}}},
	}, map[string][]byte{"notes.star": []byte(notesZome)})
	if err != nil {
		t.Fatalf("bundle.New: %v", err)
	}
	info, err := eng.InstallCell(ctx, engine.CellSpec{Name: "notes", Bundle: b})
	if err != nil {
		t.Fatalf("InstallCell: %v", err)
	}

	for _, n := range notes {
		payload, _ := json.Marshal(map[string]string{"text": n})
		_, err := eng.Submit(ctx, cell.Invocation{
			CellID: info.ID, ZomeName: "notes", FnName: "add", Payload: payload, Provenance: info.ID.Agent,
		})
		if err != nil {
			t.Fatalf("Submit(%q): %v", n, err)
		}
	}
	return db, info
}

func TestBuildReportRendersChainAndTriggers(t *testing.T) {
	db, info := setup(t, "hello", "goodbye")

	out, err := BuildReport(context.Background(), db, info.ID, Options{})
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Cell ID     : " + info.ID.String(),
		"Head        : 2 ",
		"[0] note (commit 1)",
		"[1] note (commit 2)",
		`"text": "goodbye"`,
		"Triggers    : 2",
		"revalidate-entry",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}
}

func TestBuildJSONReportLimitAndFilter(t *testing.T) {
	db, info := setup(t, "a", "b", "c")

	raw, err := BuildJSONReport(context.Background(), db, info.ID, Options{Limit: 1})
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if report.HeadSeq != 3 {
		t.Errorf("head_seq = %d, want 3", report.HeadSeq)
	}
	if len(report.Chain) != 1 || !strings.Contains(string(report.Chain[0].Content), `"c"`) {
		t.Errorf("chain = %+v, want only the newest note", report.Chain)
	}

	filtered, err := Gather(context.Background(), db, info.ID, Options{EntryType: "other"})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(filtered.Chain) != 0 {
		t.Errorf("chain = %d records, want none of type other", len(filtered.Chain))
	}
}

func TestGatherAtEarlierSnapshot(t *testing.T) {
	db, info := setup(t, "later")

	report, err := Gather(context.Background(), db, info.ID, Options{AsAt: info.Genesis})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if report.HeadSeq != 0 || report.HeadHash != string(info.Genesis) {
		t.Errorf("snapshot = %d %s, want genesis", report.HeadSeq, report.HeadHash)
	}
	if len(report.Chain) != 0 {
		t.Errorf("chain at genesis = %d records, want none", len(report.Chain))
	}
}

func TestGatherUnknownCell(t *testing.T) {
	db, info := setup(t)
	other := cell.CellID{Dna: info.ID.Dna, Agent: cell.NewAgentPubKey(make([]byte, 32))}

	_, err := Gather(context.Background(), db, other, Options{})
	if !errors.Is(err, store.ErrCellNotFound) {
		t.Fatalf("Gather(unknown) = %v, want ErrCellNotFound", err)
	}
}
