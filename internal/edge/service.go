package edge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"edgeroute/internal/config"
	"edgeroute/internal/imgcdn"
	"edgeroute/internal/origin"
	"edgeroute/internal/preview"
	"edgeroute/internal/proxy"
	"edgeroute/internal/route"
)

// Service wires the dispatcher to its collaborators and owns the background
// stats loop.
type Service struct {
	cfg config.Config

	origin     *origin.Client
	engine     *proxy.Engine
	dispatcher *Dispatcher
	metrics    *Metrics
	stats      *statsCollector

	proxyLog *rateLimitedLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg config.Config) (*Service, error) {
	oc, err := origin.New(origin.Config{
		BaseURL:    cfg.Origin.URL,
		APIKey:     cfg.Origin.APIKey,
		Timeout:    cfg.Origin.TimeoutDur,
		MaxBody:    cfg.Origin.MaxBodySize,
		BreakAfter: cfg.Origin.BreakAfter,
		BreakFor:   cfg.Origin.BreakForDur,
	})
	if err != nil {
		return nil, err
	}

	target, err := proxy.ParseTarget(cfg.Origin.URL, cfg.Origin.BypassPrefix)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		origin:   oc,
		engine:   proxy.New(target),
		metrics:  NewMetrics(),
		stats:    newStatsCollector(),
		proxyLog: newRateLimitedLogger(cfg.Logging.WarnEveryDur),
		stopCh:   make(chan struct{}),
	}
	s.engine.OnError = s.onProxyError

	transform := imgcdn.Preview(cfg.Preview.ImageService)
	synth := preview.NewSynthesizer(preview.Options{
		SiteName:      cfg.Preview.SiteName,
		ScoreLabel:    cfg.Preview.ScoreLabel,
		PublicURL:     cfg.Server.PublicURL,
		Landing:       cfg.Preview.Landing,
		FallbackImage: cfg.Preview.FallbackImage,
		ShareImage:    cfg.Preview.ShareImage,
		Icon:          cfg.Preview.Icon,
		OriginHost:    oc.Host(),
		Transform:     transform,
	})

	s.dispatcher = NewDispatcher(Options{
		Classifier: route.NewClassifier(cfg.Origin.BypassPrefix),
		Source:     oc,
		Synth:      synth,
		Proxy:      s.engine,
		Static:     newStaticHandler(cfg.Server.StaticDir, cfg.Server.StaticOrigin, cfg.Origin.TimeoutDur),
		Landing:    cfg.Preview.Landing,
		Metrics:    s.metrics,
		WarnEvery:  cfg.Logging.WarnEveryDur,
	})

	if cfg.Logging.LogStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.LogStatsEveryDur)
		}()
	}

	return s, nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// Handler is the public edge handler.
func (s *Service) Handler() http.Handler {
	return withRequestLog(s.dispatcher, s.metrics, s.stats)
}

// AdminHandler serves /metrics and /healthz on the admin listener.
func (s *Service) AdminHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ss := s.stats.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"origin":    s.origin.Host(),
		"breaker":   s.origin.State(),
		"responses": ss.TotalResponses,
		"previews":  ss.Previews,
		"proxied":   ss.Proxied,
		"redirects": ss.Redirects,
	})
}

func (s *Service) onProxyError(r *http.Request, err error) {
	s.metrics.proxyErrors.Inc()
	s.proxyLog.Warn(r.Context()).
		Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("proxy failed")
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			log.Info().
				Uint64("responses", ss.TotalResponses).
				Uint64("previews", ss.Previews).
				Uint64("proxied", ss.Proxied).
				Uint64("redirects", ss.Redirects).
				Str("breaker", s.origin.State()).
				Msgf("Served: Resp Min/avg/max %s/%s/%s",
					formatBytes(ss.MinRespBytes),
					formatBytes(ss.AvgRespBytes),
					formatBytes(ss.MaxRespBytes),
				)
		}
	}
}
