package edge

import (
	"io"
	"net/http"
	"strings"
	"time"
)

// newStaticHandler serves requests no other decision claims: files from dir
// when set, otherwise a pass-through to the static-hosting origin.
func newStaticHandler(dir, origin string, timeout time.Duration) http.Handler {
	if dir != "" {
		return http.FileServer(http.Dir(dir))
	}
	if origin != "" {
		return &originPass{origin: strings.TrimRight(origin, "/"), httpClient: &http.Client{Timeout: timeout}}
	}
	return http.NotFoundHandler()
}

// originPass relays a request to the static origin and copies the answer back.
type originPass struct {
	origin     string
	httpClient *http.Client
}

func (p *originPass) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, p.origin+r.URL.RequestURI(), body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		ctxLogger(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("static origin unreachable")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
