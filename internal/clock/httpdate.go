package clock

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPDate reads the Date header of a HEAD response. The header has one
// second resolution, so it is only useful as one source of a Quorum.
type HTTPDate struct {
	URL    string
	Client *http.Client
}

func (h HTTPDate) VerifiedTime(ctx context.Context) (time.Time, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.URL, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrClock, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrClock, h.URL, err)
	}
	_ = resp.Body.Close()

	raw := resp.Header.Get("Date")
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s sent no Date header", ErrClock, h.URL)
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: bad Date header %q", ErrClock, h.URL, raw)
	}
	return t.UTC(), nil
}
