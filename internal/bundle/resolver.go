package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Resolver turns locations into bytes.
type Resolver struct {
	// Embedded serves bundled locations that are not packed in a bundle,
	// keyed by path. Builds use it for zomes compiled into the binary.
	Embedded map[string][]byte
	// BaseDir anchors relative local paths.
	BaseDir    string
	HTTPClient *http.Client
	// MaxElapsed bounds retries of remote fetches.
	MaxElapsed time.Duration
	MaxBytes   int64
	Logger     *slog.Logger
}

type statusError struct{ code int }

func (e statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// Resolve fetches the resource at loc. Bundled paths are looked up in b
// first, then in Embedded.
func (r *Resolver) Resolve(ctx context.Context, b *Bundle, loc Location) ([]byte, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	switch {
	case loc.Bundled != "":
		p := cleanPath(loc.Bundled)
		if b != nil {
			if data, ok := b.Resources[p]; ok {
				return data, nil
			}
		}
		if data, ok := r.Embedded[p]; ok {
			return data, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrBundledResourceMissing, p)
	case loc.Path != "":
		p := loc.Path
		if !filepath.IsAbs(p) && r.BaseDir != "" {
			p = filepath.Join(r.BaseDir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", loc, err)
		}
		return data, nil
	default:
		return r.fetch(ctx, loc.URL)
	}
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	client := r.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := r.MaxBytes
	if limit <= 0 {
		limit = 16 << 20
	}

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := statusError{resp.StatusCode}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return backoff.Permanent(err)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return err
		}
		if int64(len(data)) > limit {
			return backoff.Permanent(fmt.Errorf("resource exceeds %d bytes", limit))
		}
		body = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = r.MaxElapsed
	if b.MaxElapsedTime == 0 {
		b.MaxElapsedTime = 10 * time.Second
	}
	notify := func(err error, wait time.Duration) {
		if r.Logger != nil {
			r.Logger.Warn("bundle fetch retry", "url", url, "attempt", attempt, "wait", wait, "error", err)
		}
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		var se statusError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("fetch %s: %w", url, se)
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return body, nil
}

// ResolveZomes resolves every zome of b concurrently and checks each against
// its manifest hash when one is given.
func (r *Resolver) ResolveZomes(ctx context.Context, b *Bundle) (map[string][]byte, error) {
	var (
		mu  sync.Mutex
		out = make(map[string][]byte, len(b.Manifest.Zomes))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, z := range b.Manifest.Zomes {
		g.Go(func() error {
			data, err := r.Resolve(gctx, b, z.Location)
			if err != nil {
				return fmt.Errorf("zome %q: %w", z.Name, err)
			}
			if z.Hash != "" {
				if err := VerifyChecksum(z.Name, data, z.Hash); err != nil {
					return err
				}
			}
			mu.Lock()
			out[z.Name] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
