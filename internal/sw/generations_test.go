package sw

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T, version string) *Generations {
	t.Helper()
	g, err := OpenGenerations("", GenerationOptions{Prefix: "plusopinion-pwa", Version: version})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func okEntry(body string) CachedResponse {
	return CachedResponse{Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(body)}
}

func TestActivatePurgesStaleGenerations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swcache")

	v1, err := OpenGenerations(path, GenerationOptions{Prefix: "plusopinion-pwa", Version: "V1"})
	require.NoError(t, err)
	require.NoError(t, v1.Put("https://app.test/app.js", okEntry("v1")))
	require.NoError(t, v1.Close())

	claimed := false
	v2, err := OpenGenerations(path, GenerationOptions{
		Prefix:  "plusopinion-pwa",
		Version: "V2",
		Claim:   func() { claimed = true },
	})
	require.NoError(t, err)
	defer v2.Close()
	require.NoError(t, v2.Put("https://app.test/app.js", okEntry("v2")))

	names, err := v2.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"plusopinion-pwa-V1", "plusopinion-pwa-V2"}, names)

	require.NoError(t, v2.Activate(context.Background()))
	assert.True(t, claimed)

	names, err = v2.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"plusopinion-pwa-V2"}, names)
	assert.Zero(t, v2.Count("plusopinion-pwa-V1"))
	assert.Equal(t, 1, v2.Count("plusopinion-pwa-V2"))

	cr, ok := v2.Get("https://app.test/app.js")
	require.True(t, ok)
	assert.Equal(t, "v2", string(cr.Body))
}

func TestReadsWaitForActivation(t *testing.T) {
	g := openMem(t, "V2")
	require.NoError(t, g.Put("k", okEntry("x")))

	_, ok := g.Get("k")
	assert.False(t, ok)
	assert.False(t, g.Activated())

	require.NoError(t, g.Activate(context.Background()))
	_, ok = g.Get("k")
	assert.True(t, ok)

	g.Switch("V3")
	assert.Equal(t, "plusopinion-pwa-V3", g.Current())
	assert.Equal(t, "V3", g.Version())
	_, ok = g.Get("k")
	assert.False(t, ok)
}

func TestGenerationNamesDoNotOverlap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swcache")
	short, err := OpenGenerations(path, GenerationOptions{Prefix: "p", Version: "1"})
	require.NoError(t, err)
	require.NoError(t, short.Put("k", okEntry("one")))
	require.NoError(t, short.Close())

	long, err := OpenGenerations(path, GenerationOptions{Prefix: "p", Version: "10"})
	require.NoError(t, err)
	defer long.Close()
	require.NoError(t, long.Put("k", okEntry("ten")))
	require.NoError(t, long.Activate(context.Background()))

	assert.Equal(t, 1, long.Count("p-10"))
	cr, ok := long.Get("k")
	require.True(t, ok)
	assert.Equal(t, "ten", string(cr.Body))
}

func TestInstallCachesManifestWithVersion(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.RequestURI())
		if r.URL.Path == "/missing.js" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "body of "+r.URL.Path)
	}))
	defer srv.Close()

	g := openMem(t, "V2")
	n, err := g.Install(context.Background(), srv.Client(), srv.URL+"/", []string{"/app.js", "/missing.js", "/style.css?theme=dark"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"/app.js?v=V2", "/missing.js?v=V2", "/style.css?theme=dark&v=V2"}, seen)

	names, err := g.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"plusopinion-pwa-V2"}, names)

	require.NoError(t, g.Activate(context.Background()))
	cr, ok := g.Get(srv.URL + "/style.css?theme=dark&v=V2")
	require.True(t, ok)
	assert.Equal(t, "body of /style.css", string(cr.Body))
	_, ok = g.Get(srv.URL + "/missing.js?v=V2")
	assert.False(t, ok)
}

func TestInstallSurvivesUnreachableOrigin(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	g := openMem(t, "V2")
	n, err := g.Install(context.Background(), &http.Client{}, base, []string{"/", "/index.html"})
	require.NoError(t, err)
	assert.Zero(t, n)

	names, err := g.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"plusopinion-pwa-V2"}, names)
}

func TestPutSkipsOversizedBodies(t *testing.T) {
	g, err := OpenGenerations("", GenerationOptions{Prefix: "p", Version: "1", MaxEntry: 4})
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.Activate(context.Background()))

	require.NoError(t, g.Put("small", okEntry("1234")))
	require.NoError(t, g.Put("big", okEntry("12345")))
	_, ok := g.Get("small")
	assert.True(t, ok)
	_, ok = g.Get("big")
	assert.False(t, ok)
}

func TestStoredVersion(t *testing.T) {
	g := openMem(t, "V1")
	_, ok := g.StoredVersion()
	assert.False(t, ok)

	require.NoError(t, g.SetStoredVersion("1700000000000"))
	v, ok := g.StoredVersion()
	assert.True(t, ok)
	assert.Equal(t, "1700000000000", v)

	// The version record is not a generation.
	names, err := g.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDeleteGeneration(t *testing.T) {
	g := openMem(t, "V1")
	require.NoError(t, g.Put("a", okEntry("a")))
	require.NoError(t, g.Put("b", okEntry("b")))
	require.NoError(t, g.Delete("plusopinion-pwa-V1"))
	assert.Zero(t, g.Count("plusopinion-pwa-V1"))
	names, err := g.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestVersionedPath(t *testing.T) {
	assert.Equal(t, "/?v=7", VersionedPath("/", "7"))
	assert.Equal(t, "/a.js?x=1&v=7", VersionedPath("/a.js?x=1", "7"))
}

func TestCachedResponseReplay(t *testing.T) {
	resp := synthetic(nil, http.StatusOK, "", http.Header{"Content-Type": {"text/html"}}, []byte("<p>hi</p>"))
	cr, err := Capture(resp)
	require.NoError(t, err)
	assert.Empty(t, cr.Header.Get("Content-Length"))

	req := httptest.NewRequest(http.MethodGet, "https://app.test/", nil)
	for i := 0; i < 2; i++ {
		out := cr.Response(req)
		body, err := io.ReadAll(out.Body)
		require.NoError(t, err)
		assert.Equal(t, "<p>hi</p>", string(body))
		assert.Equal(t, "9", out.Header.Get("Content-Length"))
		assert.Equal(t, "200 OK", out.Status)
		assert.Same(t, req, out.Request)
	}
}
