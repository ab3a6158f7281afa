package sw

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// ControlPrefix is where the shell exposes its own endpoints.
const ControlPrefix = "/__sw"

type ShellOptions struct {
	Router  *Router
	Session *Session
	Cache   *Generations
	Updater *Updater

	// Bypass, when set, is mounted at BypassPrefix and receives every request
	// under it, upgrades included.
	Bypass       http.Handler
	BypassPrefix string
}

// Shell serves the app locally: every request is re-issued against the app
// origin through the Router, so it sees the same strategies a page would.
type Shell struct {
	client       *http.Client
	session      *Session
	cache        *Generations
	updater      *Updater
	bypass       http.Handler
	bypassPrefix string
}

func NewShell(o ShellOptions) *Shell {
	return &Shell{
		client: &http.Client{
			Transport: o.Router,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		session:      o.Session,
		cache:        o.Cache,
		updater:      o.Updater,
		bypass:       o.Bypass,
		bypassPrefix: "/" + strings.Trim(o.BypassPrefix, "/"),
	}
}

func (s *Shell) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(ControlPrefix+"/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(ControlPrefix+"/accept", s.handleAccept).Methods(http.MethodPost)
	r.HandleFunc(ControlPrefix+"/install-prompt", s.handleInstallPrompt).Methods(http.MethodPost, http.MethodDelete)
	r.HandleFunc(ControlPrefix+"/reset", s.handleReset).Methods(http.MethodPost)
	if s.bypass != nil && s.bypassPrefix != "/" {
		r.PathPrefix(s.bypassPrefix + "/").Handler(s.bypass)
	}
	r.PathPrefix("/").HandlerFunc(s.relay)
	return r
}

func (s *Shell) relay(w http.ResponseWriter, r *http.Request) {
	target := s.session.AppOrigin()
	target.Path = r.URL.Path
	target.RawPath = r.URL.RawPath
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	out.Header = cloneHeader(r.Header)
	out.Header.Del("Connection")
	if body != nil {
		out.ContentLength = r.ContentLength
	}

	resp, err := s.client.Do(out)
	if err != nil {
		log.Warn().Err(err).Str("url", target.String()).Msg("shell fetch failed")
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
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}
}

type shellStatus struct {
	Env         Env    `json:"env"`
	AppOrigin   string `json:"appOrigin"`
	Generation  string `json:"generation"`
	Activated   bool   `json:"activated"`
	Claimed     bool   `json:"claimed"`
	Maintenance bool   `json:"maintenance"`
	Pending     string `json:"pendingVersion,omitempty"`
}

func (s *Shell) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := shellStatus{
		Env:         s.session.Env(),
		AppOrigin:   s.session.AppOrigin().String(),
		Generation:  s.cache.Current(),
		Activated:   s.cache.Activated(),
		Claimed:     s.session.Claimed(),
		Maintenance: s.session.Maintenance(),
	}
	if s.updater != nil {
		if v, ok := s.updater.Pending(); ok {
			st.Pending = v.Version
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Shell) handleAccept(w http.ResponseWriter, _ *http.Request) {
	if s.updater == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": false})
		return
	}
	ok, err := s.updater.Accept()
	if err != nil {
		log.Error().Err(err).Msg("accept update")
		http.Error(w, "accept failed", http.StatusInternalServerError)
		return
	}
	if ok {
		// The accepted version takes effect on the next load.
		s.session.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": ok})
}

// handleInstallPrompt records (POST) or consumes (DELETE) the deferred
// install prompt.
func (s *Shell) handleInstallPrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.session.DeferInstallPrompt()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"prompt": s.session.TakeInstallPrompt()})
}

func (s *Shell) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.session.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
