package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/l8e-harbor/l8e-harbor/internal/config"
	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// File is the file-snapshot Route Store driver (spec.md §6): the full
// route set is persisted as multi-document YAML at Path on every commit
// and on a periodic interval, and reloaded from the newest valid file at
// startup. External edits to the file are picked up via an fsnotify watch.
//
// Grounded on mercator-hq-jupiter's pkg/policy/manager/watcher.go
// (fsnotify-driven reload with a debounce) and
// pkg/evidence/retention/scheduler.go (robfig/cron periodic job); this
// driver composes both around the in-memory core in memory.go.
type File struct {
	core     *Memory
	path     string
	validate Validator
	log      zerolog.Logger

	writeMu sync.Mutex // serializes persist() against concurrent Apply calls

	watcher *fsnotify.Watcher
	cron    *cron.Cron
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFile opens (or creates) the file-snapshot store at path. If the file
// already contains routes they are loaded as the initial snapshot;
// otherwise the store starts empty. flushInterval controls how often the
// current snapshot is re-persisted even without a new Apply (0 disables
// the periodic flush, relying on per-commit persistence only).
func NewFile(ctx context.Context, path string, flushInterval time.Duration, validate Validator, log zerolog.Logger) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("store: file driver requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create snapshot dir: %w", err)
	}

	f := &File{
		core:     NewMemory(validate),
		path:     path,
		validate: validate,
		log:      log.With().Str("component", "store.file").Logger(),
		done:     make(chan struct{}),
	}

	if routes, err := f.readFile(); err != nil {
		return nil, err
	} else if routes != nil {
		if _, err := f.core.Apply(ctx, routes); err != nil {
			return nil, fmt.Errorf("store: initial snapshot invalid: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store: create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("store: watch snapshot dir: %w", err)
	}
	f.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go f.watchLoop(watchCtx)

	if flushInterval > 0 {
		f.cron = cron.New()
		spec := fmt.Sprintf("@every %s", flushInterval.String())
		if _, err := f.cron.AddFunc(spec, func() { f.flush() }); err != nil {
			f.log.Error().Err(err).Str("schedule", spec).Msg("invalid flush schedule, periodic persistence disabled")
		} else {
			f.cron.Start()
		}
	}

	return f, nil
}

func (f *File) List(ctx context.Context) (model.Snapshot, error) { return f.core.List(ctx) }

func (f *File) Watch(ctx context.Context) (<-chan model.Snapshot, error) { return f.core.Watch(ctx) }

func (f *File) Apply(ctx context.Context, routes []model.Route) (model.Snapshot, error) {
	snap, err := f.core.Apply(ctx, routes)
	if err != nil {
		return model.Snapshot{}, err
	}
	if err := f.persist(snap.Routes); err != nil {
		f.log.Error().Err(err).Msg("failed to persist route snapshot")
		return snap, fmt.Errorf("store: persist snapshot: %w", err)
	}
	return snap, nil
}

func (f *File) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	if f.cron != nil {
		<-f.cron.Stop().Done()
	}
	if f.watcher != nil {
		f.watcher.Close()
	}
	<-f.done
	return f.core.Close()
}

func (f *File) watchLoop(ctx context.Context) {
	defer close(f.done)
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			f.reload(ctx)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Error().Err(err).Msg("fsnotify watch error")
		}
	}
}

func (f *File) reload(ctx context.Context) {
	routes, err := f.readFile()
	if err != nil {
		f.log.Error().Err(err).Msg("failed to reload route snapshot from disk")
		return
	}
	if routes == nil {
		return
	}
	if _, err := f.core.Apply(ctx, routes); err != nil {
		f.log.Error().Err(err).Msg("externally edited snapshot failed validation, ignoring")
	}
}

func (f *File) flush() {
	snap, err := f.core.List(context.Background())
	if err != nil {
		return
	}
	if err := f.persist(snap.Routes); err != nil {
		f.log.Error().Err(err).Msg("periodic flush failed")
	}
}

// readFile returns nil, nil if the file does not yet exist.
func (f *File) readFile() ([]model.Route, error) {
	b, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot file: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	routes, err := config.ParseRoutesBytes(b)
	if err != nil {
		return nil, fmt.Errorf("store: parse snapshot file: %w", err)
	}
	return routes, nil
}

// persist writes routes to f.path as multi-document YAML via a
// write-temp-then-rename so a reader (or the fsnotify watch on this same
// file) never observes a half-written snapshot.
func (f *File) persist(routes []model.Route) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var out []byte
	for i := range routes {
		doc, err := config.ToYAML(routes[i])
		if err != nil {
			return fmt.Errorf("serialize route %q: %w", routes[i].ID, err)
		}
		if i > 0 {
			out = append(out, []byte("---\n")...)
		}
		out = append(out, doc...)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
