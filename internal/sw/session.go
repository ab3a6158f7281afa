package sw

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Env string

const (
	Development Env = "development"
	Production  Env = "production"
)

const (
	// PageCacheSize bounds the navigation page cache; the least recently
	// stored entry goes first.
	PageCacheSize = 5
	PageCacheTTL  = 5 * time.Minute
)

// DetectEnv treats an app served from localhost or 127.0.0.1 as development.
func DetectEnv(appOrigin string) Env {
	u, err := url.Parse(appOrigin)
	if err != nil {
		return Production
	}
	switch strings.ToLower(u.Hostname()) {
	case "localhost", "127.0.0.1":
		return Development
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsLoopback() {
		return Development
	}
	return Production
}

// Session is the state of one client session: the navigation page cache,
// the deferred install prompt and the claim/maintenance flags. It is
// discarded on a full reload (Reset).
type Session struct {
	env       Env
	appOrigin *url.URL
	pages     *expirable.LRU[string, []byte]

	mu            sync.Mutex
	installPrompt bool
	claimed       bool
	maintenance   bool
}

// NewSession creates a session for the app at appOrigin. An empty env is
// detected from the origin.
func NewSession(env Env, appOrigin string) (*Session, error) {
	u, err := url.Parse(strings.TrimRight(appOrigin, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("sw: invalid app origin %q", appOrigin)
	}
	if env == "" {
		env = DetectEnv(appOrigin)
	}
	return &Session{
		env:       env,
		appOrigin: u,
		pages:     expirable.NewLRU[string, []byte](PageCacheSize, nil, PageCacheTTL),
	}, nil
}

func (s *Session) Env() Env { return s.env }

// AppOrigin returns a copy of the app origin URL.
func (s *Session) AppOrigin() *url.URL {
	u := *s.appOrigin
	return &u
}

// SameOrigin reports whether u targets the app origin.
func (s *Session) SameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, s.appOrigin.Scheme) && strings.EqualFold(u.Host, s.appOrigin.Host)
}

// Remember caches a navigated page body.
func (s *Session) Remember(u string, body []byte) {
	s.pages.Add(u, body)
}

// Page returns a remembered body younger than PageCacheTTL. Reads do not
// change eviction order.
func (s *Session) Page(u string) ([]byte, bool) {
	return s.pages.Peek(u)
}

// ClearPages empties the page cache, e.g. on logout.
func (s *Session) ClearPages() {
	s.pages.Purge()
}

// DeferInstallPrompt records that the platform offered an install prompt.
func (s *Session) DeferInstallPrompt() {
	s.mu.Lock()
	s.installPrompt = true
	s.mu.Unlock()
}

// TakeInstallPrompt consumes the deferred prompt. It returns false when there
// is none.
func (s *Session) TakeInstallPrompt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.installPrompt
	s.installPrompt = false
	return ok
}

// Claim marks the session as controlled by the active generation.
func (s *Session) Claim() {
	s.mu.Lock()
	s.claimed = true
	s.mu.Unlock()
}

func (s *Session) Claimed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed
}

func (s *Session) SetMaintenance(on bool) {
	s.mu.Lock()
	s.maintenance = on
	s.mu.Unlock()
}

func (s *Session) Maintenance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maintenance
}

// Reset drops all session state, as a full reload would.
func (s *Session) Reset() {
	s.pages.Purge()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installPrompt = false
	s.claimed = false
	s.maintenance = false
}
