package edge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"edgeroute/internal/imgcdn"
	"edgeroute/internal/origin"
	"edgeroute/internal/preview"
	"edgeroute/internal/route"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

type fakeSource struct {
	posts    map[string]origin.Entity
	profiles map[string]origin.Entity
	err      error
	panicMsg string
	calls    int
}

func (f *fakeSource) Post(_ context.Context, id string) (origin.Entity, error) {
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return origin.Entity{}, f.err
	}
	e, ok := f.posts[id]
	if !ok {
		return origin.Entity{}, origin.ErrNotFound
	}
	return e, nil
}

func (f *fakeSource) Profile(_ context.Context, username string) (origin.Entity, error) {
	f.calls++
	if f.err != nil {
		return origin.Entity{}, f.err
	}
	e, ok := f.profiles[username]
	if !ok {
		return origin.Entity{}, origin.ErrNotFound
	}
	return e, nil
}

func newTestDispatcher(src EntitySource) *Dispatcher {
	synth := preview.NewSynthesizer(preview.Options{
		PublicURL:     "https://plusopinion.com",
		Landing:       "/HOMEPAGE_FINAL.HTML",
		FallbackImage: "https://plusopinion.com/icon-512.png",
		ShareImage:    "https://plusopinion.com/seo-preview.jpg",
		Icon:          "https://plusopinion.com/icon-192.png",
		OriginHost:    "abc.supabase.co",
		Transform:     imgcdn.Preview(imgcdn.DefaultService),
	})
	return NewDispatcher(Options{
		Classifier: route.Default,
		Source:     src,
		Synth:      synth,
		Proxy: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "proxied "+r.URL.Path)
		}),
		Static: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "static "+r.URL.Path)
		}),
		Landing: "/HOMEPAGE_FINAL.HTML",
	})
}

func serve(d http.Handler, method, target, ua string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	return rec
}

func hasScript(t *testing.T, body []byte) bool {
	t.Helper()
	root, err := html.Parse(bytes.NewReader(body))
	require.NoError(t, err)
	found := false
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" {
			found = true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func postSource() *fakeSource {
	return &fakeSource{posts: map[string]origin.Entity{
		"42": {ID: "42", Name: "Alice", Handle: "alice", Text: "Great <product>!", Score: 91},
	}}
}

func TestScenarioACrawlerGetsMetadataOnly(t *testing.T) {
	d := newTestDispatcher(postSource())
	rec := serve(d, http.MethodGet, "/post/42", "WhatsApp/2.0")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.Bytes()
	assert.Contains(t, string(body), "Great &lt;product&gt;!")
	assert.NotContains(t, string(body), "<product>")
	assert.False(t, hasScript(t, body))
	assert.NotContains(t, string(body), "location.replace")
	assert.Equal(t, preview.ContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, preview.CacheControl, rec.Header().Get("Cache-Control"))
	assert.Equal(t, decisionPreviewPost, rec.Header().Get(RouteHeader))
}

func TestScenarioBHumanIsRedirectedByScript(t *testing.T) {
	d := newTestDispatcher(postSource())
	rec := serve(d, http.MethodGet, "/post/42", chromeUA)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, hasScript(t, rec.Body.Bytes()))
	assert.Contains(t, body, `window.location.replace("/HOMEPAGE_FINAL.HTML?post=42")`)
	assert.Contains(t, body, `property="og:title"`)
	assert.Contains(t, body, `name="twitter:card"`)
}

func TestScenarioCPreflight(t *testing.T) {
	d := newTestDispatcher(postSource())
	rec := serve(d, http.MethodOptions, "/supabase-api/rest/v1/posts", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, "GET, POST, PUT, PATCH, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
	assert.Equal(t, decisionPreflight, rec.Header().Get(RouteHeader))
}

func TestScenarioDEmptyPostIDRedirects(t *testing.T) {
	src := postSource()
	d := newTestDispatcher(src)
	for _, p := range []string{"/post/", "/profile/"} {
		rec := serve(d, http.MethodGet, p, chromeUA)
		assert.Equal(t, http.StatusFound, rec.Code, p)
		assert.Equal(t, "/HOMEPAGE_FINAL.HTML", rec.Header().Get("Location"), p)
		assert.Equal(t, decisionPreviewMissing, rec.Header().Get(RouteHeader), p)
	}
	assert.Zero(t, src.calls)
}

func TestPreviewFailuresRedirectToLanding(t *testing.T) {
	cases := map[string]*fakeSource{
		"missing":  postSource(),
		"upstream": {err: origin.ErrUpstream},
		"other":    {err: errors.New("boom")},
		"panic":    {panicMsg: "nil entity"},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			d := newTestDispatcher(src)
			for _, ua := range []string{"WhatsApp/2.0", chromeUA} {
				rec := serve(d, http.MethodGet, "/post/999", ua)
				assert.Equal(t, http.StatusFound, rec.Code)
				assert.Equal(t, "/HOMEPAGE_FINAL.HTML", rec.Header().Get("Location"))
			}
		})
	}
}

func TestProfilePreview(t *testing.T) {
	src := &fakeSource{profiles: map[string]origin.Entity{
		"bob": {ID: "bob", Name: "Bob", Handle: "bob", Text: "Reviewer", Score: 12.5},
	}}
	d := newTestDispatcher(src)

	rec := serve(d, http.MethodGet, "/profile/bob", "Twitterbot/1.0")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `content="profile"`)
	assert.Contains(t, rec.Body.String(), "Bob (@bob) · RQS 12.5 on PlusOpinion")

	rec = serve(d, http.MethodGet, "/profile/bob", chromeUA)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `window.location.replace("/profile?username=bob")`)
}

func TestDecisionOrder(t *testing.T) {
	d := newTestDispatcher(postSource())
	cases := []struct {
		method, target, want string
	}{
		{http.MethodOptions, "/supabase-api/rest/v1/posts", decisionPreflight},
		{http.MethodGet, "/supabase-api/rest/v1/posts", decisionProxy},
		{http.MethodPost, "/supabase-api/rest/v1/posts", decisionProxy},
		{http.MethodGet, "/supabase-api/post/1", decisionProxy},
		{http.MethodGet, "/post/42", decisionPreviewPost},
		{http.MethodGet, "/post/42?ref=share", decisionPreviewPost},
		{http.MethodGet, "/profile/alice", decisionPreviewProfile},
		{http.MethodGet, "/post/", decisionPreviewMissing},
		{http.MethodGet, "/post", decisionStatic},
		{http.MethodOptions, "/index.html", decisionStatic},
		{http.MethodGet, "/", decisionStatic},
		{http.MethodGet, "/img/logo.png", decisionStatic},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.target, nil)
		assert.Equal(t, tc.want, d.Decide(req), tc.method+" "+tc.target)
	}
}

func TestProxyAndStaticDelegation(t *testing.T) {
	d := newTestDispatcher(postSource())

	rec := serve(d, http.MethodGet, "/supabase-api/rest/v1/posts", "")
	assert.Equal(t, "proxied /supabase-api/rest/v1/posts", rec.Body.String())

	rec = serve(d, http.MethodGet, "/app.js", "")
	assert.Equal(t, "static /app.js", rec.Body.String())
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Expose-Headers"), RouteHeader))
}
