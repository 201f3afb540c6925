package clock

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDateReadsHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Date", epoch.Format(http.TimeFormat))
	}))
	defer srv.Close()

	got, err := HTTPDate{URL: srv.URL, Client: srv.Client()}.VerifiedTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epoch, got)
}

func TestHTTPDateBadHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Date"] = []string{"yesterday"}
	}))
	defer srv.Close()

	_, err := HTTPDate{URL: srv.URL}.VerifiedTime(context.Background())
	assert.ErrorIs(t, err, ErrClock)
}
