package sw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"edgeroute/internal/imgcdn"
	"edgeroute/internal/proxy"
	"edgeroute/internal/route"
)

// MaintenancePage is where documents go while the app is in maintenance.
const MaintenancePage = "/maintenance.html"

type RouterOptions struct {
	Session *Session
	Cache   *Generations

	// Transport performs real network fetches. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper

	// DataHost is the data origin's host; requests to it never touch the
	// cache and go through a fallback chain instead.
	DataHost string

	// BypassPrefix is the same-origin path proxied to the data origin.
	BypassPrefix string

	// ProdProxyBase is a reachable production proxy used in development for
	// videos and non-image API calls.
	ProdProxyBase string

	ImageCDN imgcdn.Transform
	Aliases  AliasTable
}

// Router is an http.RoundTripper applying the per-request fetch strategy.
type Router struct {
	session       *Session
	cache         *Generations
	next          http.RoundTripper
	dataHost      string
	bypassPrefix  string
	prodProxyBase string
	imageCDN      imgcdn.Transform
	aliases       AliasTable
	classifier    route.Classifier
}

func NewRouter(o RouterOptions) (*Router, error) {
	if o.Session == nil || o.Cache == nil {
		return nil, errors.New("sw: router needs a session and a cache")
	}
	if o.Transport == nil {
		o.Transport = http.DefaultTransport
	}
	if o.BypassPrefix == "" {
		o.BypassPrefix = route.DefaultBypassPrefix
	}
	if o.ImageCDN.Service == "" {
		o.ImageCDN = imgcdn.Inline(imgcdn.DefaultService)
	}
	if o.Aliases == nil {
		o.Aliases = DefaultAliases()
	}
	return &Router{
		session:       o.Session,
		cache:         o.Cache,
		next:          o.Transport,
		dataHost:      strings.ToLower(o.DataHost),
		bypassPrefix:  "/" + strings.Trim(o.BypassPrefix, "/"),
		prodProxyBase: strings.TrimRight(o.ProdProxyBase, "/"),
		imageCDN:      o.ImageCDN,
		aliases:       o.Aliases,
		classifier:    route.NewClassifier(o.BypassPrefix),
	}, nil
}

// Strategy names, in decision order.
const (
	StrategyAlias        = "alias"
	StrategyDataOrigin   = "data-origin"
	StrategyUpgrade      = "upgrade"
	StrategyPassthrough  = "passthrough"
	StrategyExternal     = "external"
	StrategyMaintenance  = "maintenance"
	StrategyNetworkFirst = "network-first"
	StrategyCacheFirst   = "cache-first"
)

// Strategy returns the name of the strategy RoundTrip would apply to req.
func (rt *Router) Strategy(req *http.Request) string {
	u := req.URL
	sameOrigin := rt.session.SameOrigin(u)
	switch {
	case rt.session.Env() == Development && sameOrigin && rt.hasAlias(req):
		return StrategyAlias
	case rt.isDataOrigin(req) && proxy.IsUpgrade(req):
		return StrategyUpgrade
	case rt.isDataOrigin(req):
		return StrategyDataOrigin
	case req.Method != http.MethodGet:
		return StrategyPassthrough
	case !sameOrigin:
		return StrategyExternal
	case strings.HasPrefix(u.Path, rt.bypassPrefix+"/"):
		return StrategyPassthrough
	}
	if rt.isDocument(req) {
		if rt.session.Maintenance() && !strings.Contains(strings.ToLower(u.Path), "maintenance") {
			return StrategyMaintenance
		}
		return StrategyNetworkFirst
	}
	return StrategyCacheFirst
}

func (rt *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	switch s := rt.Strategy(req); s {
	case StrategyAlias:
		return rt.aliasChain().Do(req)
	case StrategyUpgrade, StrategyPassthrough:
		return rt.next.RoundTrip(req)
	case StrategyDataOrigin:
		return rt.DataOriginChain(req).Do(req)
	case StrategyExternal:
		return Chain{
			{Name: "network", Try: rt.next.RoundTrip},
			emptyStatus("gateway-timeout", http.StatusGatewayTimeout, "Gateway Timeout"),
		}.Do(req)
	case StrategyMaintenance:
		h := make(http.Header)
		h.Set("Location", MaintenancePage)
		return synthetic(req, http.StatusFound, "", h, nil), nil
	case StrategyNetworkFirst:
		return rt.networkFirst(req)
	default:
		return rt.cacheFirst(req)
	}
}

func (rt *Router) hasAlias(req *http.Request) bool {
	_, ok := rt.aliases.Resolve(req.URL)
	return ok
}

func (rt *Router) isDataOrigin(req *http.Request) bool {
	return rt.dataHost != "" && strings.EqualFold(req.URL.Host, rt.dataHost)
}

func (rt *Router) isDocument(req *http.Request) bool {
	c := rt.classifier.Classify(req.URL, req.Header, rt.session.AppOrigin().Host)
	switch c.Category {
	case route.Document, route.PreviewPost, route.PreviewProfile:
		return true
	}
	return false
}

// aliasChain fetches the physical file with a plain GET, falling back to the
// original request, body intact, on any failure.
func (rt *Router) aliasChain() Chain {
	return Chain{
		requireOK(Link{Name: "alias", Try: func(req *http.Request) (*http.Response, error) {
			phys, _ := rt.aliases.Resolve(req.URL)
			log.Debug().Str("from", req.URL.Path).Str("to", phys.Path).Msg("routing clean path")
			return rt.forwardLink("alias", phys.String(), false).Try(req)
		}}),
		{Name: "original", Try: rt.next.RoundTrip},
	}
}

// DataOriginChain builds the fallback chain for a request to the data origin.
func (rt *Router) DataOriginChain(req *http.Request) Chain {
	suffix := req.URL.EscapedPath() + querySuffix(req)
	if rt.session.Env() != Development {
		return Chain{
			rt.forwardLink("bypass-proxy", rt.sameOriginBypass()+suffix, true),
			emptyStatus("gateway-timeout", http.StatusGatewayTimeout, "Gateway Timeout"),
		}
	}
	if route.IsImagePath(req.URL.Path) {
		return Chain{
			requireOK(rt.forwardLink("image-cdn", rt.imageCDN.URL(req.URL.String()), false)),
			rt.forwardLink("bypass-proxy", rt.sameOriginBypass()+suffix, false),
			emptyStatus("gateway-timeout", http.StatusGatewayTimeout, ""),
		}
	}
	return Chain{
		rt.forwardLink("prod-proxy", rt.prodProxyBase+suffix, true),
		typedFailure(route.IsVideoPath(req.URL.Path)),
	}
}

func (rt *Router) sameOriginBypass() string {
	return strings.TrimRight(rt.session.AppOrigin().String(), "/") + rt.bypassPrefix
}

// forwardLink re-issues req against target. With full set, method, headers
// and body go along; otherwise it is a plain GET.
func (rt *Router) forwardLink(name, target string, full bool) Link {
	return Link{Name: name, Try: func(req *http.Request) (*http.Response, error) {
		method := http.MethodGet
		var body io.Reader
		if full {
			method = req.Method
			if req.Method != http.MethodGet && req.Method != http.MethodHead && req.Body != nil {
				body = req.Body
			}
		}
		out, err := http.NewRequestWithContext(req.Context(), method, target, body)
		if err != nil {
			return nil, err
		}
		if full {
			out.Header = cloneHeader(req.Header)
			if body != nil {
				out.ContentLength = req.ContentLength
			}
		}
		return rt.next.RoundTrip(out)
	}}
}

// typedFailure answers a failed development proxy call with an empty body of
// the type the caller expects.
func typedFailure(video bool) Link {
	return Link{Name: "typed-error", Try: func(req *http.Request) (*http.Response, error) {
		h := make(http.Header)
		h.Set("Access-Control-Allow-Origin", "*")
		if video {
			h.Set("Content-Type", "video/mp4")
			return synthetic(req, http.StatusBadGateway, "", h, nil), nil
		}
		h.Set("Content-Type", "application/json")
		body, _ := json.Marshal(struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}{"proxy_failed", "production proxy unreachable"})
		return synthetic(req, http.StatusBadGateway, "", h, body), nil
	}}
}

func (rt *Router) networkFirst(req *http.Request) (*http.Response, error) {
	key := req.URL.String()
	resp, err := rt.next.RoundTrip(req)
	if err == nil {
		if resp.StatusCode != http.StatusOK {
			return resp, nil
		}
		return rt.store(req, key, resp)
	}
	if cr, ok := rt.cache.Get(key); ok {
		log.Debug().Err(err).Str("url", key).Msg("network failed, serving cached document")
		return cr.Response(req), nil
	}
	return synthetic(req, http.StatusGatewayTimeout, "Gateway Timeout", nil, nil), nil
}

func (rt *Router) cacheFirst(req *http.Request) (*http.Response, error) {
	key := req.URL.String()
	if cr, ok := rt.cache.Get(key); ok {
		return cr.Response(req), nil
	}
	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		return synthetic(req, http.StatusGatewayTimeout, "Gateway Timeout", nil, nil), nil
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	return rt.store(req, key, resp)
}

// store reads resp fully, writes it to the current generation and returns a
// fresh copy for the caller.
func (rt *Router) store(req *http.Request, key string, resp *http.Response) (*http.Response, error) {
	cr, err := Capture(resp)
	if err != nil {
		return nil, fmt.Errorf("sw: read %s: %w", key, err)
	}
	if err := rt.cache.Put(key, cr); err != nil {
		log.Warn().Err(err).Str("url", key).Msg("cache write failed")
	}
	return cr.Response(req), nil
}

// Navigate loads a same-origin page for in-app navigation, reusing the
// session page cache.
func (rt *Router) Navigate(ctx context.Context, path string) ([]byte, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	u := rt.session.AppOrigin().ResolveReference(ref).String()
	if body, ok := rt.session.Page(u); ok {
		return body, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Sec-Fetch-Dest", "document")
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sw: navigate %s: status %d", path, resp.StatusCode)
	}
	rt.session.Remember(u, body)
	return body, nil
}

func querySuffix(req *http.Request) string {
	if req.URL.RawQuery == "" {
		return ""
	}
	return "?" + req.URL.RawQuery
}
