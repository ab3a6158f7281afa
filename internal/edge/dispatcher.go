// Package edge is the request handler that runs in front of the static site:
// it proxies the data API, renders link previews for shared posts and
// profiles, and hands everything else to static delivery.
package edge

import (
	"context"
	"errors"
	"net/http"
	"time"

	"edgeroute/internal/origin"
	"edgeroute/internal/preview"
	"edgeroute/internal/proxy"
	"edgeroute/internal/route"
)

// RouteHeader names the decision that served a response.
const RouteHeader = "X-Edge-Route"

const (
	decisionPreflight      = "preflight"
	decisionProxy          = "proxy"
	decisionPreviewPost    = "preview-post"
	decisionPreviewProfile = "preview-profile"
	decisionPreviewMissing = "preview-missing"
	decisionStatic         = "static"
)

// EntitySource loads the records previews are built from.
type EntitySource interface {
	Post(ctx context.Context, id string) (origin.Entity, error)
	Profile(ctx context.Context, username string) (origin.Entity, error)
}

type Options struct {
	Classifier route.Classifier
	Source     EntitySource
	Synth      *preview.Synthesizer
	Proxy      http.Handler
	Static     http.Handler

	// Landing is where failed previews redirect.
	Landing string

	Metrics   *Metrics
	WarnEvery time.Duration
}

// Dispatcher routes every inbound request by its classification. It keeps no
// per-request state between calls.
type Dispatcher struct {
	classifier route.Classifier
	source     EntitySource
	synth      *preview.Synthesizer
	proxy      http.Handler
	static     http.Handler
	landing    string
	metrics    *Metrics

	warnLog    *rateLimitedLogger
	verdictLog *rateLimitedLogger
}

func NewDispatcher(o Options) *Dispatcher {
	if o.Landing == "" {
		o.Landing = "/"
	}
	if o.Static == nil {
		o.Static = http.NotFoundHandler()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics()
	}
	if o.Classifier.BypassPrefix == "" {
		o.Classifier = route.Default
	}
	return &Dispatcher{
		classifier: o.Classifier,
		source:     o.Source,
		synth:      o.Synth,
		proxy:      o.Proxy,
		static:     o.Static,
		landing:    o.Landing,
		metrics:    o.Metrics,
		warnLog:    newRateLimitedLogger(o.WarnEvery),
		verdictLog: newRateLimitedLogger(o.WarnEvery),
	}
}

type decision struct {
	name  string
	when  func(c route.Classification, r *http.Request) bool
	serve func(d *Dispatcher, w http.ResponseWriter, r *http.Request, c route.Classification)
}

// decisions is evaluated in order; the first match serves the request.
var decisions = []decision{
	{decisionPreflight, func(c route.Classification, r *http.Request) bool {
		return c.Category == route.ProxyAPI && proxy.IsPreflight(r)
	}, (*Dispatcher).servePreflight},
	{decisionProxy, func(c route.Classification, _ *http.Request) bool {
		return c.Category == route.ProxyAPI
	}, (*Dispatcher).serveProxy},
	{decisionPreviewPost, func(c route.Classification, _ *http.Request) bool {
		return c.Category == route.PreviewPost
	}, (*Dispatcher).servePreview},
	{decisionPreviewProfile, func(c route.Classification, _ *http.Request) bool {
		return c.Category == route.PreviewProfile
	}, (*Dispatcher).servePreview},
	// /post/ and /profile/ without an identifier.
	{decisionPreviewMissing, func(_ route.Classification, r *http.Request) bool {
		_, ok := route.PreviewKind(r.URL.Path)
		return ok
	}, (*Dispatcher).serveLanding},
	{decisionStatic, func(route.Classification, *http.Request) bool {
		return true
	}, (*Dispatcher).serveStatic},
}

// Decide returns the name of the decision that would serve r.
func (d *Dispatcher) Decide(r *http.Request) string {
	dec, _ := d.decide(r)
	return dec.name
}

func (d *Dispatcher) decide(r *http.Request) (decision, route.Classification) {
	c := d.classifier.ClassifyRequest(r)
	for _, dec := range decisions {
		if dec.when(c, r) {
			return dec, c
		}
	}
	return decisions[len(decisions)-1], c
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	dec, c := d.decide(r)
	d.metrics.decisions.WithLabelValues(dec.name).Inc()
	if rec, ok := w.(*statusRecorder); ok {
		rec.decision = dec.name
	}
	h := w.Header()
	h.Set(RouteHeader, dec.name)
	proxy.EnsureExposedHeader(h, RouteHeader)
	dec.serve(d, w, r, c)
}

func (d *Dispatcher) servePreflight(w http.ResponseWriter, r *http.Request, _ route.Classification) {
	proxy.Preflight(w, r)
}

func (d *Dispatcher) serveProxy(w http.ResponseWriter, r *http.Request, _ route.Classification) {
	d.proxy.ServeHTTP(w, r)
}

func (d *Dispatcher) serveStatic(w http.ResponseWriter, r *http.Request, _ route.Classification) {
	d.static.ServeHTTP(w, r)
}

func (d *Dispatcher) serveLanding(w http.ResponseWriter, r *http.Request, _ route.Classification) {
	markRedirected(w)
	http.Redirect(w, r, d.landing, http.StatusFound)
}

// servePreview never lets a failure reach the client as an error page: origin
// errors, missing records, render errors and panics all redirect to landing.
func (d *Dispatcher) servePreview(w http.ResponseWriter, r *http.Request, c route.Classification) {
	kind := "post"
	if c.Category == route.PreviewProfile {
		kind = "profile"
	}
	defer func() {
		if rec := recover(); rec != nil {
			ctxLogger(r.Context()).Error().
				Interface("panic", rec).
				Str("path", r.URL.Path).
				Msg("preview panicked")
			d.redirectLanding(w, r, kind)
		}
	}()

	e, err := d.fetch(r.Context(), c)
	if err != nil {
		if !errors.Is(err, origin.ErrNotFound) {
			d.warnLog.Warn(r.Context()).Err(err).Str("kind", kind).Str("param", c.Param).Msg("preview fetch failed")
		}
		d.redirectLanding(w, r, kind)
		return
	}

	crawler := route.IsCrawler(r.UserAgent())
	doc, err := d.synth.Synthesize(e, c.Category, crawler)
	if err != nil {
		d.warnLog.Warn(r.Context()).Err(err).Str("kind", kind).Msg("preview render failed")
		d.redirectLanding(w, r, kind)
		return
	}

	verdict := "human"
	if crawler {
		verdict = "crawler"
	}
	d.metrics.previews.WithLabelValues(kind, verdict).Inc()
	d.verdictLog.Info(r.Context()).
		Str("kind", kind).
		Str("param", c.Param).
		Str("verdict", verdict).
		Str("ua", r.UserAgent()).
		Msg("preview served")
	doc.Write(w)
}

func (d *Dispatcher) fetch(ctx context.Context, c route.Classification) (origin.Entity, error) {
	if d.source == nil {
		return origin.Entity{}, errors.New("edge: no entity source")
	}
	if c.Category == route.PreviewProfile {
		return d.source.Profile(ctx, c.Param)
	}
	return d.source.Post(ctx, c.Param)
}

func (d *Dispatcher) redirectLanding(w http.ResponseWriter, r *http.Request, kind string) {
	d.metrics.previews.WithLabelValues(kind, "redirect").Inc()
	markRedirected(w)
	http.Redirect(w, r, d.landing, http.StatusFound)
}

func markRedirected(w http.ResponseWriter) {
	if rec, ok := w.(*statusRecorder); ok {
		rec.redirected = true
	}
}
