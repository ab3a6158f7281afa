package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, backend http.Handler) (*Engine, *httptest.Server, *httptest.Server) {
	t.Helper()
	be := httptest.NewServer(backend)
	t.Cleanup(be.Close)
	target, err := ParseTarget(be.URL, "/supabase-api")
	require.NoError(t, err)
	e := New(target)
	front := httptest.NewServer(e)
	t.Cleanup(front.Close)
	return e, be, front
}

func TestParseTarget(t *testing.T) {
	tg, err := ParseTarget("https://abc.supabase.co/", "supabase-api/")
	require.NoError(t, err)
	assert.Equal(t, Target{Scheme: "https", Host: "abc.supabase.co", StripPrefix: "/supabase-api"}, tg)

	_, err = ParseTarget("abc.supabase.co", "/x")
	assert.Error(t, err)
	_, err = ParseTarget("ftp://abc", "/x")
	assert.Error(t, err)
}

func TestTargetURL(t *testing.T) {
	tg := Target{Scheme: "https", Host: "abc.supabase.co", StripPrefix: "/supabase-api"}
	cases := map[string]string{
		"/supabase-api/rest/v1/posts?id=eq.1": "https://abc.supabase.co/rest/v1/posts?id=eq.1",
		"/supabase-api":                       "https://abc.supabase.co/",
		"/supabase-api/":                      "https://abc.supabase.co/",
		"/other/path":                         "https://abc.supabase.co/other/path",
	}
	for in, want := range cases {
		u, err := url.Parse(in)
		require.NoError(t, err)
		assert.Equal(t, want, tg.URL(u).String(), in)
	}
}

func TestForwardRewritesPathHostAndQuery(t *testing.T) {
	var gotPath, gotQuery, gotHost, gotKey string
	_, be, front := newEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotHost = r.URL.Path, r.URL.RawQuery, r.Host
		gotKey = r.Header.Get("apikey")
		w.Header().Set("Content-Range", "0-9/100")
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, "[1,2,3]")
	}))

	req, err := http.NewRequest(http.MethodGet, front.URL+"/supabase-api/rest/v1/posts?select=*&id=eq.5", nil)
	require.NoError(t, err)
	req.Host = "plusopinion.com"
	req.Header.Set("apikey", "k")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "[1,2,3]", string(body))
	assert.Equal(t, "/rest/v1/posts", gotPath)
	assert.Equal(t, "select=*&id=eq.5", gotQuery)
	assert.Equal(t, strings.TrimPrefix(be.URL, "http://"), gotHost)
	assert.Equal(t, "k", gotKey)

	assert.Equal(t, "yes", resp.Header.Get("X-Origin"))
	assert.Equal(t, "0-9/100", resp.Header.Get("Content-Range"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, AllowMethods, resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, AllowHeaders, resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "content-range, range", resp.Header.Get("Access-Control-Expose-Headers"))
}

func TestForwardBody(t *testing.T) {
	var got []string
	_, _, front := newEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = append(got, r.Method+":"+string(b))
		w.WriteHeader(http.StatusCreated)
	}))

	resp, err := http.Post(front.URL+"/supabase-api/rest/v1/likes", "application/json", strings.NewReader(`{"post_id":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, front.URL+"/supabase-api/rest/v1/likes", strings.NewReader("ignored"))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{`POST:{"post_id":1}`, "GET:"}, got)
}

func TestFollowsOneRedirectOnly(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/once", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/done", http.StatusFound)
	})
	mux.HandleFunc("/twice", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/once", http.StatusFound)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "done")
	})
	_, _, front := newEngine(t, mux)

	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := noFollow.Get(front.URL + "/supabase-api/once")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", string(body))

	resp, err = noFollow.Get(front.URL + "/supabase-api/twice")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/done", resp.Header.Get("Location"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestUnreachableTargetIs502JSON(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	target, err := ParseTarget(deadURL, "/supabase-api")
	require.NoError(t, err)
	e := New(target)
	var observed error
	e.OnError = func(_ *http.Request, err error) { observed = err }

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/supabase-api/rest/v1/posts", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Proxy error", body.Error)
	assert.NotEmpty(t, body.Message)

	var perr *Error
	require.ErrorAs(t, observed, &perr)
	assert.Equal(t, target.Host, perr.Target)
}

func TestPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/supabase-api/rest/v1/posts", nil)
	require.True(t, IsPreflight(req))

	rec := httptest.NewRecorder()
	Preflight(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, AllowMethods, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, AllowHeaders, rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))

	assert.False(t, IsPreflight(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	EnsureExposedHeader(h, "content-range")
	assert.Equal(t, "content-range", h.Get("Access-Control-Expose-Headers"))

	h = http.Header{}
	h.Add("Access-Control-Expose-Headers", "X-A")
	h.Add("Access-Control-Expose-Headers", "Range")
	EnsureExposedHeader(h, "range")
	assert.Equal(t, []string{"X-A, Range"}, h.Values("Access-Control-Expose-Headers"))

	EnsureExposedHeader(h, "X-B")
	assert.Equal(t, "X-A, Range, X-B", h.Get("Access-Control-Expose-Headers"))

	EnsureExposedHeader(h, "")
	assert.Equal(t, "X-A, Range, X-B", h.Get("Access-Control-Expose-Headers"))
}

func TestIsUpgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, IsUpgrade(r))

	r.Header.Set("Upgrade", "websocket")
	assert.False(t, IsUpgrade(r))

	r.Header.Set("Connection", "keep-alive, Upgrade")
	assert.True(t, IsUpgrade(r))

	r.Header.Del("Upgrade")
	assert.False(t, IsUpgrade(r))
}

func TestWebsocketSplice(t *testing.T) {
	var gotPath, gotQuery string
	upgrader := websocket.Upgrader{}
	_, _, front := newEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/supabase-api/realtime/v1/websocket?apikey=k&vsn=1.0.0"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "/realtime/v1/websocket", gotPath)
	assert.Equal(t, "apikey=k&vsn=1.0.0", gotQuery)

	for _, msg := range []string{"phx_join", "heartbeat"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		_, got, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "echo:"+msg, string(got))
	}
}

func TestUpgradeRefusedIsRelayed(t *testing.T) {
	_, _, front := newEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no sockets here", http.StatusForbidden)
	}))

	req, err := http.NewRequest(http.MethodGet, front.URL+"/supabase-api/realtime", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "no sockets here")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
