// Package download fetches asset bundles into the local cache.
//
// Concurrent requests for the same (category, id) share one transfer. Each
// caller gets its own Task with its own progress stream. Transfers write to a
// ".part" file that is renamed into place only on success, so a cancelled or
// failed transfer never leaves a file that looks complete.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nvandessel/simcore/internal/bundle"
	"github.com/nvandessel/simcore/internal/logging"
	"github.com/nvandessel/simcore/internal/sanitize"
	"github.com/nvandessel/simcore/internal/store"
)

// ErrDownloadFailed wraps every transfer failure other than cancellation.
var ErrDownloadFailed = errors.New("download failed")

// ProgressFunc receives (label, fraction) updates for one Task.
type ProgressFunc func(label string, fraction float64)

// Index records downloaded assets. *store.SQLiteStore implements it.
type Index interface {
	LookupAsset(ctx context.Context, category, id string) (*store.AssetRecord, error)
	RecordAsset(ctx context.Context, a store.AssetRecord) error
}

// Options configures a Coordinator.
type Options struct {
	CacheDir string
	Fetcher  Fetcher // nil serves the cache only
	Index    Index   // optional
	Logger   *slog.Logger
	Events   *logging.EventLogger
}

// Coordinator deduplicates and tracks asset transfers.
type Coordinator struct {
	cacheDir string
	fetcher  Fetcher
	index    Index
	logger   *slog.Logger
	events   *logging.EventLogger

	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
	gen     uint64
}

// flight is one transfer shared by every Task that joined it.
type flight struct {
	category bundle.Category
	id       string
	key      string // singleflight key, unique per flight
	ctx      context.Context
	cancel   context.CancelFunc
	refs     int

	mu   sync.Mutex
	subs map[*Task]struct{}
}

// NewCoordinator creates a coordinator caching under opts.CacheDir.
func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		cacheDir: opts.CacheDir,
		fetcher:  opts.Fetcher,
		index:    opts.Index,
		logger:   logging.OrDiscard(opts.Logger),
		events:   opts.Events,
		flights:  make(map[string]*flight),
	}
}

// Path returns where the asset is stored in the cache.
func (c *Coordinator) Path(category bundle.Category, id string) string {
	return filepath.Join(c.cacheDir, string(category), id+".zip")
}

// GetAsset returns a Task that resolves once the asset is present locally.
// A cached asset resolves immediately with progress 1.0. Cancelling ctx
// abandons this Task only; the shared transfer keeps running for others.
func (c *Coordinator) GetAsset(ctx context.Context, category bundle.Category, id, name string, sink ProgressFunc) *Task {
	t := newTask(category, id, label(name, id), sink)

	if err := validateID(id); err != nil {
		t.finish("", fmt.Errorf("%w: %w", ErrDownloadFailed, err))
		return t
	}
	if path, ok := c.cached(ctx, category, id); ok {
		c.logger.Debug("asset cache hit", "category", category, "id", id, "path", path)
		t.finish(path, nil)
		return t
	}

	fl := c.join(category, id, t)
	ch := c.group.DoChan(fl.key, func() (any, error) {
		return c.transfer(fl, name)
	})

	go func() {
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			res = singleflight.Result{Err: ctx.Err()}
		}
		c.release(fl, t)
		path, _ := res.Val.(string)
		t.finish(path, res.Err)
	}()
	return t
}

// StopAssetDownload cancels every in-flight transfer of id, whatever its
// category, and returns how many were cancelled.
func (c *Coordinator) StopAssetDownload(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, fl := range c.flights {
		if fl.id == id && fl.ctx.Err() == nil {
			fl.cancel()
			n++
		}
	}
	if n > 0 {
		c.logger.Info("download cancelled", "id", id, "transfers", n)
		c.events.Log(map[string]any{"event": "download_cancel", "id": id})
	}
	return n
}

// InFlight returns the number of transfers currently running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, fl := range c.flights {
		if fl.ctx.Err() == nil {
			n++
		}
	}
	return n
}

func (c *Coordinator) join(category bundle.Category, id string, t *Task) *flight {
	key := string(category) + "/" + id

	c.mu.Lock()
	defer c.mu.Unlock()

	fl := c.flights[key]
	if fl == nil || fl.ctx.Err() != nil {
		c.gen++
		ctx, cancel := context.WithCancel(context.Background())
		fl = &flight{
			category: category,
			id:       id,
			key:      fmt.Sprintf("%s#%d", key, c.gen),
			ctx:      ctx,
			cancel:   cancel,
			subs:     make(map[*Task]struct{}),
		}
		c.flights[key] = fl
	}
	fl.refs++
	fl.mu.Lock()
	fl.subs[t] = struct{}{}
	fl.mu.Unlock()
	return fl
}

func (c *Coordinator) release(fl *flight, t *Task) {
	fl.mu.Lock()
	delete(fl.subs, t)
	fl.mu.Unlock()

	key := string(fl.category) + "/" + fl.id
	c.mu.Lock()
	defer c.mu.Unlock()
	fl.refs--
	if fl.refs == 0 && c.flights[key] == fl {
		delete(c.flights, key)
	}
}

func (fl *flight) broadcast(fraction float64) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for t := range fl.subs {
		t.report(fraction)
	}
}

func (c *Coordinator) transfer(fl *flight, name string) (any, error) {
	defer fl.cancel()
	ctx := fl.ctx

	if path, ok := c.cached(ctx, fl.category, fl.id); ok {
		return path, nil
	}

	if c.fetcher == nil {
		return nil, fmt.Errorf("%w: %s %s is not cached and no asset server is configured", ErrDownloadFailed, fl.category, fl.id)
	}

	dest := c.Path(fl.category, fl.id)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating cache directory: %w", ErrDownloadFailed, err)
	}

	c.logger.Info("download started", "category", fl.category, "id", fl.id, "name", name)
	c.events.Log(map[string]any{"event": "download_start", "category": string(fl.category), "id": fl.id})

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", ErrDownloadFailed, part, err)
	}

	h := sha256.New()
	var size int64
	err = c.fetcher.Fetch(ctx, fl.category, fl.id, io.MultiWriter(f, h), func(done, total int64) {
		size = done
		if total > 0 {
			fl.broadcast(float64(done) / float64(total))
		}
	})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		os.Remove(part)
		if ctx.Err() != nil {
			c.logger.Debug("download aborted", "category", fl.category, "id", fl.id)
			return nil, context.Canceled
		}
		c.logger.Warn("download failed", "category", fl.category, "id", fl.id, "error", err)
		c.events.Log(map[string]any{"event": "download_error", "category": string(fl.category), "id": fl.id, "error": err.Error()})
		return nil, fmt.Errorf("%w: %s %s: %w", ErrDownloadFailed, fl.category, fl.id, err)
	}

	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return nil, fmt.Errorf("%w: installing %s: %w", ErrDownloadFailed, dest, err)
	}

	c.logger.Info("download finished", "category", fl.category, "id", fl.id, "bytes", size)
	c.events.Log(map[string]any{"event": "download_done", "category": string(fl.category), "id": fl.id, "bytes": size})

	if c.index != nil {
		rec := store.AssetRecord{
			Category: string(fl.category),
			ID:       fl.id,
			Name:     name,
			Path:     dest,
			Size:     size,
			SHA256:   hex.EncodeToString(h.Sum(nil)),
		}
		if err := c.index.RecordAsset(context.Background(), rec); err != nil {
			c.logger.Warn("failed to index asset", "category", fl.category, "id", fl.id, "error", err)
		}
	}
	return dest, nil
}

// cached reports a local copy of the asset, consulting the index first.
func (c *Coordinator) cached(ctx context.Context, category bundle.Category, id string) (string, bool) {
	if c.index != nil {
		rec, err := c.index.LookupAsset(ctx, string(category), id)
		if err != nil {
			c.logger.Debug("asset index lookup failed", "category", category, "id", id, "error", err)
		} else if rec != nil && fileExists(rec.Path) {
			return rec.Path, true
		}
	}
	if path := c.Path(category, id); fileExists(path) {
		return path, true
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("asset id is empty")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid asset id %q", id)
	}
	return nil
}

func label(name, id string) string {
	if name = sanitize.Name(name); name == "" {
		name = id
	}
	return "Downloading " + name
}
