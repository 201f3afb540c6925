package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/cellhost/internal/signal"
)

// --- Message types ---

type signalMsg signal.Envelope

type healthMsg struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Cells           int    `json:"cells"`
	PendingTriggers int    `json:"pending_triggers"`
}

type cellsMsg []cellInfo

type cellInfo struct {
	Name string `json:"name"`
	ID   struct {
		Dna   string `json:"dna"`
		Agent string `json:"agent"`
	} `json:"id"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToSignals connects to the SSE /signals endpoint and feeds
// envelopes into ch. Returns sseDisconnectedMsg when the connection drops.
func subscribeToSignals(apiURL, token, cellRef string, ch chan<- signal.Envelope) tea.Cmd {
	return func() tea.Msg {
		u := apiURL + "/signals"
		if cellRef != "" {
			u += "?cell=" + url.QueryEscape(cellRef)
		}
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("signals: %s", resp.Status))
		}

		_ = readSSE(resp.Body, func(data string) {
			var env signal.Envelope
			if err := json.Unmarshal([]byte(data), &env); err == nil {
				ch <- env
			}
		})
		return sseDisconnectedMsg{}
	}
}

// readSSE calls fn with the data of each complete event in r.
func readSSE(r io.Reader, fn func(data string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				fn(data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[len("data: "):])
		}
	}
	return scanner.Err()
}

// receiveNextSignal waits for the next envelope from the channel.
func receiveNextSignal(ch <-chan signal.Envelope) tea.Cmd {
	return func() tea.Msg {
		return signalMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}

// fetchCells resolves cell names. Tokens without cells:ro get a 403 and the
// view falls back to short ids.
func fetchCells(apiURL, token string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, apiURL+"/cells", nil)
	if err != nil {
		return errMsg(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cellsMsg(nil)
	}

	var cells []cellInfo
	if err := json.NewDecoder(resp.Body).Decode(&cells); err != nil {
		return errMsg(err)
	}
	return cellsMsg(cells)
}
