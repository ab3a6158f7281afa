// Package proxy forwards requests under the bypass prefix to the data origin,
// including protocol upgrades, and makes the responses readable cross-origin.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Target is where proxied requests go. StripPrefix is removed from the
// inbound path; the remainder keeps its leading slash.
type Target struct {
	Scheme      string
	Host        string
	StripPrefix string
}

// ParseTarget builds a Target from an origin URL such as
// "https://abc.supabase.co".
func ParseTarget(origin, stripPrefix string) (Target, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return Target{}, err
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Target{}, fmt.Errorf("proxy: invalid target %q", origin)
	}
	return Target{Scheme: u.Scheme, Host: u.Host, StripPrefix: "/" + strings.Trim(stripPrefix, "/")}, nil
}

// URL rewrites in onto the target, keeping the raw query.
func (t Target) URL(in *url.URL) *url.URL {
	p := in.Path
	if t.StripPrefix != "/" {
		p = strings.TrimPrefix(p, t.StripPrefix)
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return &url.URL{Scheme: t.Scheme, Host: t.Host, Path: p, RawQuery: in.RawQuery}
}

// Error is returned to clients as the JSON body of a 502.
type Error struct {
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("proxy %s: %v", e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Engine is an http.Handler forwarding to a single Target.
type Engine struct {
	target Target
	client *http.Client
	dialer upgradeDialer

	// OnError, when set, observes every failure before the 502 is written.
	OnError func(r *http.Request, err error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithTransport replaces the transport used for regular requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Engine) { e.client.Transport = rt }
}

// WithTimeout bounds regular requests end to end. Upgraded channels are not
// subject to it.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.client.Timeout = d }
}

func New(t Target, opts ...Option) *Engine {
	e := &Engine{
		target: t,
		client: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			// One redirect from the origin is followed, the next is handed
			// back to the caller as-is.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > 1 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		dialer: defaultUpgradeDialer,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Target returns the engine's target.
func (e *Engine) Target() Target { return e.target }

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := e.target.URL(r.URL)
	if IsUpgrade(r) {
		e.serveUpgrade(w, r, target)
		return
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	if body != nil {
		out.ContentLength = r.ContentLength
	}
	copyRequestHeader(out.Header, r.Header)
	out.Host = e.target.Host

	resp, err := e.client.Do(out)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	for k, vs := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	SetCORS(h)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.Copy(flushWriter{w}, resp.Body)
}

func (e *Engine) fail(w http.ResponseWriter, r *http.Request, err error) {
	perr := &Error{Target: e.target.Host, Err: err}
	if e.OnError != nil {
		e.OnError(r, perr)
	}
	WriteError(w, perr)
}

// WriteError writes the structured 502 body for err.
func WriteError(w http.ResponseWriter, err error) {
	msg := err.Error()
	var perr *Error
	if errors.As(err, &perr) {
		msg = perr.Err.Error()
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}{"Proxy error", msg})
}

// Hop-by-hop headers, RFC 9110 section 7.6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

func copyRequestHeader(dst, src http.Header) {
	for k, vs := range src {
		if isHopHeader(k) || strings.EqualFold(k, "Host") {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}

// flushWriter flushes after every write so streamed bodies (ranges, event
// streams) reach the client as they arrive.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
