package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattjoyce/cellhost/internal/bundle"
	"github.com/mattjoyce/cellhost/internal/config"
	"github.com/mattjoyce/cellhost/internal/doctor"
	"github.com/mattjoyce/cellhost/internal/guest"
)

// loadConfigFromFlags parses --config, falling back to discovery. A nil
// config means the caller should return the exit code.
func loadConfigFromFlags(name string, args []string, stderr io.Writer) (*config.Config, string, int) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return nil, "", 1
	}

	path, err := resolveConfigPath(*configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to discover config: %v\n", err)
		return nil, "", 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return nil, "", 1
	}
	return cfg, path, 0
}

func resolveConfigPath(flagValue string, stderr io.Writer) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	discovered, err := config.DiscoverConfigDir()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func runConfigNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: cellhost config <check|lock|doctor> [flags]")
		return boolToExit(len(args) > 0)
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:], stdout, stderr)
	case "lock":
		return runConfigLock(args[1:], stdout, stderr)
	case "doctor":
		return runConfigDoctor(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string, stdout, stderr io.Writer) int {
	cfg, path, code := loadConfigFromFlags("config check", args, stderr)
	if cfg == nil {
		return code
	}
	fmt.Fprintf(stdout, "Configuration valid: %s\n", path)
	fmt.Fprintf(stdout, "  files loaded: %d\n", len(cfg.SourceFiles))
	fmt.Fprintf(stdout, "  store: %s\n", cfg.Store.Path)
	fmt.Fprintf(stdout, "  cells: %d\n", len(cfg.Cells))
	for _, c := range cfg.Cells {
		loc := c.Path
		if loc == "" {
			loc = c.URL
		}
		pinned := ""
		if c.Checksum != "" {
			pinned = " (checksum pinned)"
		}
		fmt.Fprintf(stdout, "    - %s: %s%s\n", c.Name, loc, pinned)
		for _, sc := range c.Schedules {
			fmt.Fprintf(stdout, "        every %s: %s.%s\n", sc.Every, sc.Zome, sc.Fn)
		}
	}
	if cfg.API.Enabled {
		fmt.Fprintf(stdout, "  api: %s (%d tokens)\n", cfg.API.Listen, len(cfg.API.Auth.Tokens))
	} else {
		fmt.Fprintln(stdout, "  api: disabled")
	}
	if n := len(cfg.Webhooks.Endpoints); n > 0 {
		fmt.Fprintf(stdout, "  webhooks: %s (%d endpoints)\n", cfg.Webhooks.Listen, n)
	}
	return 0
}

func runConfigLock(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show the hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path, err := resolveConfigPath(*configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	reports, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	for _, r := range reports {
		verb := "Would write"
		if r.Written {
			verb = "Wrote"
		}
		fmt.Fprintf(stdout, "%s %s (%d files)\n", verb, r.ChecksumPath, len(r.Hashes))
		for file, hash := range r.Hashes {
			fmt.Fprintf(stdout, "  %s  %s\n", hash, file)
		}
	}
	return 0
}

func runConfigDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path, err := resolveConfigPath(*configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	d := doctor.New(cfg, newResolver(cfg), guest.NewStarlark())
	result := d.Validate(context.Background())
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render result: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, out)
	} else {
		fmt.Fprint(stdout, doctor.FormatHuman(result))
	}
	return boolToExit(result.Valid)
}

func runBundleNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: cellhost bundle <pack|hash> [flags]")
		return boolToExit(len(args) > 0)
	}
	switch args[0] {
	case "pack":
		return runBundlePack(args[1:], stdout, stderr)
	case "hash":
		return runBundleHash(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown bundle action: %s\n", args[0])
		return 1
	}
}

func runBundlePack(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bundle pack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("o", "", "Output file (default: <name>.bundle.yaml beside the manifest)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: cellhost bundle pack [-o out] <manifest.yaml>")
		return 1
	}

	b, err := bundle.Pack(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Failed to pack bundle: %v\n", err)
		return 1
	}
	data, err := b.Encode()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to encode bundle: %v\n", err)
		return 1
	}
	dest := *out
	if dest == "" {
		dest = filepath.Join(filepath.Dir(fs.Arg(0)), b.Manifest.Name+".bundle.yaml")
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		fmt.Fprintf(stderr, "Failed to write bundle: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Packed %s (%d resources) -> %s\n", b.Manifest.Name, len(b.Resources), dest)
	fmt.Fprintf(stdout, "checksum: %s\n", bundle.Checksum(data))
	return 0
}

func runBundleHash(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || isHelpToken(args[0]) {
		fmt.Fprintln(stderr, "Usage: cellhost bundle hash <bundle-file>")
		return 1
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "Failed to read bundle: %v\n", err)
		return 1
	}
	if _, err := bundle.Decode(data); err != nil {
		fmt.Fprintf(stderr, "Not a bundle: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, bundle.Checksum(data))
	return 0
}
