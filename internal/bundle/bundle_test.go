package bundle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterManifest() Manifest {
	return Manifest{
		Name: "counter",
		Zomes: []Zome{
			{Name: "counter", Location: Location{Bundled: "zomes/counter.star"}},
		},
	}
}

func TestNewRejectsUnlistedResource(t *testing.T) {
	_, err := New(counterManifest(), map[string][]byte{"zomes/other.star": []byte("x")})
	assert.ErrorIs(t, err, ErrBundledPathNotInManifest)

	b, err := New(counterManifest(), map[string][]byte{"./zomes/counter.star": []byte("x")})
	require.NoError(t, err)
	assert.Contains(t, b.Resources, "zomes/counter.star")
}

func TestManifestValidate(t *testing.T) {
	m := Manifest{Zomes: []Zome{
		{Name: "a", Location: Location{Path: "a", URL: "http://x"}},
		{Name: "a", Location: Location{Path: "b"}},
	}}
	err := m.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidLocation)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "duplicate zome")
}

func TestEncodeDecodeAndPack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "zomes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zomes", "counter.star"), []byte("def inc(p):\n  return 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dna.yaml"), []byte(`
name: counter
zomes:
  - name: counter
    bundled: zomes/counter.star
`), 0o644))

	b, err := Pack(filepath.Join(dir, "dna.yaml"))
	require.NoError(t, err)
	data, err := b.Encode()
	require.NoError(t, err)

	out := filepath.Join(dir, "counter.bundle")
	require.NoError(t, os.WriteFile(out, data, 0o644))
	back, err := ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, b.Manifest, back.Manifest)
	assert.Equal(t, b.Resources, back.Resources)

	r := &Resolver{}
	zomes, err := r.ResolveZomes(context.Background(), back)
	require.NoError(t, err)
	assert.Equal(t, "def inc(p):\n  return 1\n", string(zomes["counter"]))
}

func TestResolveLocalAndEmbedded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "z.star"), []byte("local"), 0o644))

	r := &Resolver{BaseDir: dir, Embedded: map[string][]byte{"builtin/z.star": []byte("embedded")}}
	ctx := context.Background()

	got, err := r.Resolve(ctx, nil, Location{Path: "z.star"})
	require.NoError(t, err)
	assert.Equal(t, "local", string(got))

	got, err = r.Resolve(ctx, nil, Location{Bundled: "builtin/z.star"})
	require.NoError(t, err)
	assert.Equal(t, "embedded", string(got))

	_, err = r.Resolve(ctx, nil, Location{Bundled: "missing"})
	assert.ErrorIs(t, err, ErrBundledResourceMissing)

	_, err = r.Resolve(ctx, nil, Location{})
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestResolveRemoteRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("remote"))
	}))
	defer srv.Close()

	r := &Resolver{MaxElapsed: 5 * time.Second}
	got, err := r.Resolve(context.Background(), nil, Location{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "remote", string(got))
	assert.Equal(t, int32(3), hits.Load())
}

func TestResolveRemoteClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := &Resolver{MaxElapsed: 5 * time.Second}
	_, err := r.Resolve(context.Background(), nil, Location{URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolveZomesVerifiesHash(t *testing.T) {
	m := counterManifest()
	m.Zomes[0].Hash = Checksum([]byte("other"))
	b, err := New(m, map[string][]byte{"zomes/counter.star": []byte("code")})
	require.NoError(t, err)

	_, err = (&Resolver{}).ResolveZomes(context.Background(), b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestDnaHashDependsOnCode(t *testing.T) {
	m := counterManifest()
	a := DnaHash(m, map[string][]byte{"counter": []byte("v1")})
	b := DnaHash(m, map[string][]byte{"counter": []byte("v1")})
	c := DnaHash(m, map[string][]byte{"counter": []byte("v2")})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
