package sw

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// VersionInfo is the published version record (version.json).
type VersionInfo struct {
	Version     string
	Major       bool
	Maintenance bool
	Build       string
	Timestamp   string
}

// Outcome of a version check.
type Outcome string

const (
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeFirstSeen   Outcome = "first-seen"
	OutcomeSilent      Outcome = "silent-update"
	OutcomePrompted    Outcome = "prompted"
	OutcomeMaintenance Outcome = "maintenance"
)

type UpdaterOptions struct {
	Client  *http.Client
	Session *Session
	Store   *Generations

	// VersionFile is the path of the version record under the app origin.
	VersionFile string

	// OnSilent installs and activates the new generation for a minor release.
	OnSilent func(ctx context.Context, v VersionInfo) error
	// OnMajor asks the user to update; the new version is recorded only once
	// Accept is called.
	OnMajor func(v VersionInfo)
}

// Updater polls the version record and drives silent updates, update prompts
// and maintenance mode.
type Updater struct {
	client      *http.Client
	session     *Session
	store       *Generations
	versionFile string
	onSilent    func(ctx context.Context, v VersionInfo) error
	onMajor     func(v VersionInfo)
	now         func() time.Time

	mu      sync.Mutex
	pending *VersionInfo
}

func NewUpdater(o UpdaterOptions) *Updater {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.VersionFile == "" {
		o.VersionFile = "/version.json"
	}
	return &Updater{
		client:      o.Client,
		session:     o.Session,
		store:       o.Store,
		versionFile: o.VersionFile,
		onSilent:    o.OnSilent,
		onMajor:     o.OnMajor,
		now:         time.Now,
	}
}

// Run checks once immediately and then every interval until ctx is done.
func (u *Updater) Run(ctx context.Context, every time.Duration) {
	u.checkAndLog(ctx)
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			u.checkAndLog(ctx)
		}
	}
}

func (u *Updater) checkAndLog(ctx context.Context) {
	out, err := u.Check(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("update check failed")
		return
	}
	if out != OutcomeUnchanged {
		log.Info().Str("outcome", string(out)).Msg("update check")
	}
}

// Check fetches the version record once and acts on it.
func (u *Updater) Check(ctx context.Context) (Outcome, error) {
	v, err := u.fetch(ctx)
	if err != nil {
		return "", err
	}

	if v.Maintenance {
		u.session.SetMaintenance(true)
		return OutcomeMaintenance, nil
	}
	u.session.SetMaintenance(false)

	cur, ok := u.store.StoredVersion()
	switch {
	case !ok || cur == "":
		if err := u.store.SetStoredVersion(v.Version); err != nil {
			return "", err
		}
		return OutcomeFirstSeen, nil
	case cur == v.Version:
		return OutcomeUnchanged, nil
	case v.Major:
		u.mu.Lock()
		shown := u.pending != nil && u.pending.Version == v.Version
		u.pending = &v
		u.mu.Unlock()
		// One prompt per version, however often the record is polled.
		if u.onMajor != nil && !shown {
			u.onMajor(v)
		}
		return OutcomePrompted, nil
	}

	if u.onSilent != nil {
		if err := u.onSilent(ctx, v); err != nil {
			return "", fmt.Errorf("silent update to %s: %w", v.Version, err)
		}
	}
	if err := u.store.SetStoredVersion(v.Version); err != nil {
		return "", err
	}
	return OutcomeSilent, nil
}

// Accept records the version of the last prompt. It reports false when no
// prompt is pending.
func (u *Updater) Accept() (bool, error) {
	u.mu.Lock()
	v := u.pending
	u.pending = nil
	u.mu.Unlock()
	if v == nil {
		return false, nil
	}
	if err := u.store.SetStoredVersion(v.Version); err != nil {
		return false, err
	}
	return true, nil
}

// Pending returns the version awaiting Accept, if any.
func (u *Updater) Pending() (VersionInfo, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pending == nil {
		return VersionInfo{}, false
	}
	return *u.pending, true
}

func (u *Updater) fetch(ctx context.Context) (VersionInfo, error) {
	base := strings.TrimRight(u.session.AppOrigin().String(), "/")
	target := base + u.versionFile + "?t=" + strconv.FormatInt(u.now().UnixMilli(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return VersionInfo{}, err
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := u.client.Do(req)
	if err != nil {
		return VersionInfo{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return VersionInfo{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, fmt.Errorf("version record: status %d", resp.StatusCode)
	}
	return ParseVersionInfo(body)
}

// ParseVersionInfo reads a version record. A numeric version is accepted as
// well as a string one.
func ParseVersionInfo(b []byte) (VersionInfo, error) {
	if !gjson.ValidBytes(b) {
		return VersionInfo{}, fmt.Errorf("version record: malformed json")
	}
	r := gjson.ParseBytes(b)
	v := VersionInfo{
		Version:     r.Get("version").String(),
		Major:       r.Get("major").Type == gjson.True,
		Maintenance: r.Get("maintenance").Type == gjson.True,
		Build:       r.Get("build").String(),
		Timestamp:   r.Get("timestamp").String(),
	}
	if v.Version == "" {
		return VersionInfo{}, fmt.Errorf("version record: missing version")
	}
	return v, nil
}
