// Package doctor checks a cellhost configuration beyond what loading
// validates: every configured bundle is fetched, verified and compiled.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/cellhost/internal/bundle"
	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Cells    []Cell  `json:"cells,omitempty"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Cell summarizes one configured cell whose bundle loaded.
type Cell struct {
	Name     string   `json:"name"`
	DNA      string   `json:"dna_name"`
	DnaHash  string   `json:"dna_hash"`
	Zomes    []string `json:"zomes"`
	Checksum string   `json:"checksum"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Compiler is the part of a guest runtime that compiles zomes.
type Compiler interface {
	Install(dna cell.DnaHash, zomes map[string][]byte) error
}

// Doctor validates configuration against the bundles it names.
type Doctor struct {
	cfg      *config.Config
	resolver *bundle.Resolver
	compiler Compiler
}

// New creates a Doctor. compiler should be a throwaway runtime; installed
// programs are not cleaned up.
func New(cfg *config.Config, resolver *bundle.Resolver, compiler Compiler) *Doctor {
	return &Doctor{cfg: cfg, resolver: resolver, compiler: compiler}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateCells(ctx, r)
	d.validateWebhookTargets(r)
	d.warnUnpinnedBundles(r)
	d.warnEphemeralAgents(r)
	d.warnBroadTokens(r)
	d.warnWeakClock(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateCells resolves, verifies, decodes and compiles every cell bundle.
func (d *Doctor) validateCells(ctx context.Context, r *Result) {
	// Same DNA and same seed means the same cell id under two names.
	owners := make(map[string][]string)
	for i, c := range d.cfg.Cells {
		field := fmt.Sprintf("cells[%d]", i)
		loc := bundle.Location{Path: c.Path, URL: c.URL}

		raw, err := d.resolver.Resolve(ctx, nil, loc)
		if err != nil {
			d.addError(r, "bundles", field, fmt.Sprintf("cell %q: %v", c.Name, err))
			continue
		}
		sum := bundle.Checksum(raw)
		if c.Checksum != "" {
			if err := bundle.VerifyChecksum(loc.String(), raw, c.Checksum); err != nil {
				d.addError(r, "integrity", field+".checksum", err.Error())
				continue
			}
		}
		b, err := bundle.Decode(raw)
		if err != nil {
			d.addError(r, "bundles", field, fmt.Sprintf("cell %q: %v", c.Name, err))
			continue
		}
		zomes, err := d.resolver.ResolveZomes(ctx, b)
		if err != nil {
			d.addError(r, "zomes", field, fmt.Sprintf("cell %q: %v", c.Name, err))
			continue
		}
		dna := bundle.DnaHash(b.Manifest, zomes)
		if err := d.compiler.Install(dna, zomes); err != nil {
			d.addError(r, "zomes", field, fmt.Sprintf("cell %q: %v", c.Name, err))
			continue
		}

		names := make([]string, 0, len(b.Manifest.Zomes))
		for _, z := range b.Manifest.Zomes {
			names = append(names, z.Name)
		}
		r.Cells = append(r.Cells, Cell{Name: c.Name, DNA: b.Manifest.Name, DnaHash: string(dna), Zomes: names, Checksum: sum})
		if c.AgentSeed != "" {
			key := string(dna) + "/" + strings.ToLower(c.AgentSeed)
			owners[key] = append(owners[key], c.Name)
		}
	}

	for _, names := range owners {
		if len(names) > 1 {
			d.addError(r, "identity", "",
				fmt.Sprintf("cells %s have the same DNA and agent_seed and so the same cell id", strings.Join(names, ", ")))
		}
	}
}

// validateWebhookTargets checks that every endpoint names a configured
// cell, by name or by a well-formed cell id.
func (d *Doctor) validateWebhookTargets(r *Result) {
	names := make(map[string]bool, len(d.cfg.Cells))
	for _, c := range d.cfg.Cells {
		names[c.Name] = true
	}
	for i, ep := range d.cfg.Webhooks.Endpoints {
		if names[ep.Cell] {
			continue
		}
		if _, err := cell.ParseCellID(ep.Cell); err != nil {
			d.addError(r, "webhooks", fmt.Sprintf("webhooks.endpoints[%d].cell", i),
				fmt.Sprintf("endpoint %s targets unknown cell %q", ep.Path, ep.Cell))
		}
	}
}

// warnUnpinnedBundles flags remote bundles fetched without a checksum.
func (d *Doctor) warnUnpinnedBundles(r *Result) {
	for i, c := range d.cfg.Cells {
		if c.URL != "" && c.Checksum == "" {
			d.addWarning(r, "integrity", fmt.Sprintf("cells[%d].checksum", i),
				fmt.Sprintf("cell %q fetches %s without a checksum", c.Name, c.URL))
		}
	}
}

// warnEphemeralAgents flags cells whose agent, and so whose cell id and
// chain, changes on every start.
func (d *Doctor) warnEphemeralAgents(r *Result) {
	for i, c := range d.cfg.Cells {
		if c.AgentSeed == "" {
			d.addWarning(r, "identity", fmt.Sprintf("cells[%d].agent_seed", i),
				fmt.Sprintf("cell %q has no agent_seed; it gets a new agent and an empty chain on every start", c.Name))
		}
	}
}

func (d *Doctor) warnBroadTokens(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	for i, tok := range d.cfg.API.Auth.Tokens {
		for _, s := range tok.Scopes {
			if s == config.ScopeAll {
				d.addWarning(r, "scopes", fmt.Sprintf("api.auth.tokens[%d].scopes", i),
					fmt.Sprintf("token %q grants every scope; prefer %s, %s or %s", tok.Name,
						config.ScopeCellsCall, config.ScopeCellsRead, config.ScopeSignals))
			}
		}
	}
}

func (d *Doctor) warnWeakClock(r *Result) {
	n := len(d.cfg.Clock.Sources)
	if n == 1 {
		d.addWarning(r, "clock", "clock.sources", "a single time source cannot be cross-checked")
	}
	if n > 1 && d.cfg.Clock.Min == 1 {
		d.addWarning(r, "clock", "clock.min", "clock.min of 1 accepts any one source's answer")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	for _, c := range r.Cells {
		fmt.Fprintf(&b, "cell %s: dna %s (%s), zomes %s\n", c.Name, c.DNA, c.DnaHash, strings.Join(c.Zomes, ","))
		fmt.Fprintf(&b, "  checksum: %s\n", c.Checksum)
	}

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
