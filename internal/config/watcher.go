package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleWindow coalesces the burst of writes editors emit for one save.
const settleWindow = 150 * time.Millisecond

// ReloadEvent names a changed config file. Op holds every operation seen
// for that path during the settle window.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and .env. The home directory is
// watched instead of the files so a .env created after Start is seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{homeDir: homeDir, logger: logger, events: make(chan ReloadEvent, 4)}
}

func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start begins watching in the background. Events is closed once ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	relevant := map[string]bool{ConfigPath(w.homeDir): true, DotenvPath(w.homeDir): true}
	pending := map[string]fsnotify.Op{}
	var settle <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !relevant[ev.Name] || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			pending[ev.Name] |= ev.Op
			if settle == nil {
				settle = time.After(settleWindow)
			}
		case <-settle:
			settle = nil
			for path, op := range pending {
				w.logger.Info("config file changed", "path", path, "op", op.String())
				select {
				case w.events <- ReloadEvent{Path: path, Op: op}:
				default:
					w.logger.Warn("config reload already pending, change coalesced", "path", path)
				}
				delete(pending, path)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
