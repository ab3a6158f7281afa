// Package sw is the client-side fetch interceptor: an http.RoundTripper that
// picks a strategy per request (alias rewrite, data-origin fallback chains,
// network-first documents, cache-first assets) on top of versioned cache
// generations kept in LevelDB.
package sw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<generation>           registry entry, value is the version
//	c:<generation>\x00<url>  gob CachedResponse
//	v:current                last version id seen by the updater
const (
	registryPrefix = "n:"
	entryPrefix    = "c:"
	versionKey     = "v:current"
)

type GenerationOptions struct {
	// Prefix and Version make up the current generation name,
	// "<Prefix>-<Version>".
	Prefix  string
	Version string

	// MaxEntry skips storing bodies larger than this many bytes; 0 means no
	// limit.
	MaxEntry int64

	// Claim runs once activation has purged stale generations.
	Claim func()
}

// Generations is a set of named cache generations, only one of which is
// current. Reads are refused until Activate has finished.
type Generations struct {
	db       *leveldb.DB
	prefix   string
	current  string
	version  string
	maxEntry int64
	claim    func()

	mu        sync.RWMutex
	activated bool
}

// OpenGenerations opens (creating if absent) the store at path. An empty path
// keeps the store in memory.
func OpenGenerations(path string, opts GenerationOptions) (*Generations, error) {
	if opts.Prefix == "" || opts.Version == "" {
		return nil, errors.New("sw: generation prefix and version are required")
	}
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("sw: open cache store: %w", err)
	}
	return &Generations{
		db:       db,
		prefix:   opts.Prefix,
		current:  opts.Prefix + "-" + opts.Version,
		version:  opts.Version,
		maxEntry: opts.MaxEntry,
		claim:    opts.Claim,
	}, nil
}

func (g *Generations) Close() error {
	return g.db.Close()
}

// Current is the current generation name.
func (g *Generations) Current() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Version is the build version the current generation belongs to.
func (g *Generations) Version() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Switch makes the generation for version current. Reads are refused until
// the next Activate.
func (g *Generations) Switch(version string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.version = version
	g.current = g.prefix + "-" + version
	g.activated = false
}

// Activated reports whether Activate has completed.
func (g *Generations) Activated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.activated
}

// Install registers the current generation and pre-populates it with the
// manifest paths fetched from base with a cache-busting version parameter.
// A path that cannot be fetched is logged and skipped. It returns how many
// entries were stored.
func (g *Generations) Install(ctx context.Context, client *http.Client, base string, manifest []string) (int, error) {
	if err := g.register(); err != nil {
		return 0, err
	}
	version, current := g.Version(), g.Current()
	base = strings.TrimRight(base, "/")
	stored := 0
	for _, p := range manifest {
		u := base + VersionedPath(p, version)
		if err := g.installOne(ctx, client, u); err != nil {
			log.Warn().Err(err).Str("path", p).Str("generation", current).Msg("manifest entry not cached")
			continue
		}
		stored++
	}
	log.Info().Str("generation", current).Int("cached", stored).Int("manifest", len(manifest)).Msg("generation installed")
	return stored, nil
}

func (g *Generations) installOne(ctx context.Context, client *http.Client, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	cr, err := Capture(resp)
	if err != nil {
		return err
	}
	if cr.Status != http.StatusOK {
		return fmt.Errorf("status %d", cr.Status)
	}
	return g.Put(rawURL, cr)
}

// VersionedPath appends v=<version> to p, using & when p already has a query.
func VersionedPath(p, version string) string {
	sep := "?"
	if strings.Contains(p, "?") {
		sep = "&"
	}
	return p + sep + "v=" + version
}

// Activate deletes every generation other than the current one, then opens
// reads and runs the claim hook.
func (g *Generations) Activate(ctx context.Context) error {
	g.mu.Lock()
	names, err := g.names()
	if err != nil {
		g.mu.Unlock()
		return err
	}
	for _, name := range names {
		if name == g.current {
			continue
		}
		if err := ctx.Err(); err != nil {
			g.mu.Unlock()
			return err
		}
		if err := g.deleteGeneration(name); err != nil {
			g.mu.Unlock()
			return err
		}
		log.Info().Str("generation", name).Msg("stale generation purged")
	}
	if err := g.registerLocked(); err != nil {
		g.mu.Unlock()
		return err
	}
	g.activated = true
	g.mu.Unlock()

	if g.claim != nil {
		g.claim()
	}
	return nil
}

// Names lists the registered generations in sorted order.
func (g *Generations) Names() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.names()
}

func (g *Generations) names() ([]string, error) {
	it := g.db.NewIterator(util.BytesPrefix([]byte(registryPrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(registryPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a generation and all of its entries.
func (g *Generations) Delete(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deleteGeneration(name)
}

func (g *Generations) deleteGeneration(name string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(registryPrefix + name))
	it := g.db.NewIterator(util.BytesPrefix(entryRange(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return g.db.Write(batch, nil)
}

// Get returns the current generation's copy for key.
func (g *Generations) Get(key string) (CachedResponse, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.activated {
		return CachedResponse{}, false
	}
	b, err := g.db.Get(entryKey(g.current, key), nil)
	if err != nil {
		return CachedResponse{}, false
	}
	var cr CachedResponse
	if err := decodeGob(b, &cr); err != nil {
		return CachedResponse{}, false
	}
	return cr, true
}

// Put stores a fully read response under key in the current generation.
// Oversized bodies are skipped silently.
func (g *Generations) Put(key string, cr CachedResponse) error {
	if g.maxEntry > 0 && int64(len(cr.Body)) > g.maxEntry {
		return nil
	}
	b, err := encodeGob(cr)
	if err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	batch := new(leveldb.Batch)
	batch.Put([]byte(registryPrefix+g.current), []byte(g.version))
	batch.Put(entryKey(g.current, key), b)
	return g.db.Write(batch, nil)
}

// Count is the number of entries held by generation name.
func (g *Generations) Count(name string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	it := g.db.NewIterator(util.BytesPrefix(entryRange(name)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// StoredVersion returns the version id last persisted by SetStoredVersion.
func (g *Generations) StoredVersion() (string, bool) {
	b, err := g.db.Get([]byte(versionKey), nil)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (g *Generations) SetStoredVersion(v string) error {
	return g.db.Put([]byte(versionKey), []byte(v), nil)
}

func (g *Generations) register() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.registerLocked()
}

func (g *Generations) registerLocked() error {
	return g.db.Put([]byte(registryPrefix+g.current), []byte(g.version), nil)
}

func entryRange(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func entryKey(name, key string) []byte {
	return append(entryRange(name), key...)
}
