package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/cellhost/internal/api"
	"github.com/mattjoyce/cellhost/internal/tui/watch"
)

const defaultAPIURL = "http://localhost:8080"

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		if e.Code != "" {
			return fmt.Errorf("%s: %s", e.Code, e.Error)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runCall(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiURL := fs.String("api-url", envOr("CELLHOST_API_URL", defaultAPIURL), "API base URL")
	token := fs.String("token", envOr("CELLHOST_TOKEN", ""), "API bearer token (or CELLHOST_TOKEN)")
	cellRef := fs.String("cell", "", "Cell name or id")
	zome := fs.String("zome", "", "Zome name")
	fn := fs.String("fn", "", "Function name")
	payload := fs.String("payload", "", "JSON payload")
	timeout := fs.Duration("timeout", 30*time.Second, "Invocation timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *cellRef == "" || *zome == "" || *fn == "" {
		fmt.Fprintln(stderr, "Usage: cellhost call --cell NAME --zome ZOME --fn FN [--payload JSON]")
		return 1
	}
	if *token == "" {
		fmt.Fprintln(stderr, "Error: API token required. Use --token or CELLHOST_TOKEN env var.")
		return 1
	}

	req := api.CallRequest{Zome: *zome, Fn: *fn, TimeoutMs: timeout.Milliseconds()}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			fmt.Fprintln(stderr, "Error: --payload is not valid JSON")
			return 1
		}
		req.Payload = json.RawMessage(*payload)
	}

	// Leave headroom over the server-side deadline so its error wins.
	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	c := &apiClient{baseURL: *apiURL, token: *token, http: http.DefaultClient}
	var resp api.CallResponse
	if err := c.do(ctx, http.MethodPost, "/cells/"+url.PathEscape(*cellRef)+"/call", req, &resp); err != nil {
		fmt.Fprintf(stderr, "Call failed: %v\n", err)
		return 1
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Output, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(resp.Output)
	}
	fmt.Fprintln(stdout, pretty.String())
	return 0
}

func runCellList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cell list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiURL := fs.String("api-url", envOr("CELLHOST_API_URL", defaultAPIURL), "API base URL")
	token := fs.String("token", envOr("CELLHOST_TOKEN", ""), "API bearer token (or CELLHOST_TOKEN)")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *token == "" {
		fmt.Fprintln(stderr, "Error: API token required. Use --token or CELLHOST_TOKEN env var.")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := &apiClient{baseURL: *apiURL, token: *token, http: http.DefaultClient}
	var cells []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/cells", nil, &cells); err != nil {
		fmt.Fprintf(stderr, "List failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		data, _ := json.MarshalIndent(cells, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDNA\tZOMES\tID")
	for _, raw := range cells {
		var info struct {
			Name  string   `json:"name"`
			DNA   string   `json:"dna_name"`
			Zomes []string `json:"zomes"`
			ID    string   `json:"id"`
		}
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, info.DNA, strings.Join(info.Zomes, ","), info.ID)
	}
	_ = tw.Flush()
	return 0
}

func runWatch(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiURL := fs.String("api-url", envOr("CELLHOST_API_URL", defaultAPIURL), "API base URL")
	token := fs.String("token", envOr("CELLHOST_TOKEN", ""), "API bearer token (or CELLHOST_TOKEN)")
	cellRef := fs.String("cell", "", "Only show signals from this cell")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *token == "" {
		fmt.Fprintln(stderr, "Error: API token required. Use --token or CELLHOST_TOKEN env var.")
		return 1
	}

	m := watch.New(*apiURL, *token, *cellRef)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
