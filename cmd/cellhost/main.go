package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	// A missing .env is normal; variables may come from the environment.
	_ = godotenv.Load()
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func runCLI(cliArgs []string, stdout, stderr io.Writer) int {
	if len(cliArgs) < 1 {
		printUsage(stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args, stdout, stderr)
	case "config":
		return runConfigNoun(args, stdout, stderr)
	case "bundle":
		return runBundleNoun(args, stdout, stderr)
	case "cell":
		return runCellNoun(args, stdout, stderr)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args, stderr)
	case "call":
		return runCall(args, stdout, stderr)
	case "watch":
		return runWatch(args, stderr)
	case "version", "--version":
		return runVersion(args, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0

	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return 1
	}
}

func runSystemNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: cellhost system <start|watch> [flags]")
		return boolToExit(len(args) > 0)
	}
	switch args[0] {
	case "start":
		return runStart(args[1:], stderr)
	case "watch":
		return runWatch(args[1:], stderr)
	default:
		fmt.Fprintf(stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runCellNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Fprintln(stdout, "Usage: cellhost cell <call|list|inspect> [flags]")
		return boolToExit(len(args) > 0)
	}
	switch args[0] {
	case "call":
		return runCall(args[1:], stdout, stderr)
	case "list":
		return runCellList(args[1:], stdout, stderr)
	case "inspect":
		return runCellInspect(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown cell action: %s\n", args[0])
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Usage: cellhost version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintf(stdout, "cellhost %s\n", info.Version)
	fmt.Fprintf(stdout, "commit: %s\n", info.Commit)
	fmt.Fprintf(stdout, "built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `cellhost - host for content-addressed application cells

Usage:
  cellhost <noun> <action> [flags]

System Commands:
  system start      Install configured cells and serve them (alias: start)
  system watch      Live signal monitor TUI (alias: watch)

Cell Commands:
  cell call         Invoke a zome function through the API (alias: call)
  cell list         List installed cells
  cell inspect      Report a cell's head, chain and triggers from the database

Bundle Commands:
  bundle pack       Pack a DNA manifest and its zomes into one bundle file
  bundle hash       Print the blake3 checksum of a bundle file

Config Commands:
  config check      Load and validate configuration
  config lock       Write .checksums for the config and its includes
  config doctor     Fetch, verify and compile every configured bundle

General:
  version           Show version information
  help              Show this help message
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func boolToExit(ok bool) int {
	if ok {
		return 0
	}
	return 1
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
