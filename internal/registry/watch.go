package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"

	"github.com/userservers/userservers/internal/service"
)

// debounce collapses editor write bursts (write + chmod + rename) into
// a single reload.
const debounce = 200 * time.Millisecond

// Watch observes the registry file for external edits and invokes
// onChange with the freshly parsed entries. Writes made through this
// Registry are recognized by checksum and ignored. Corrupt external
// content is logged and skipped; the last good state stays in force.
func (r *Registry) Watch(ctx *stopper.Context, log *slog.Logger, onChange func(map[string]service.Definition)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: atomic renames replace the
	// inode and would silently detach a file watch.
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		_ = w.Close()
		return err
	}
	base := filepath.Base(r.path)

	ctx.Go(func(ctx *stopper.Context) error {
		defer func() { _ = w.Close() }()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Stopping():
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					return nil
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					fire = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounce)
				}
			case <-fire:
				timer, fire = nil, nil
				r.reloadExternal(log, onChange)
			case err, ok := <-w.Errors:
				if !ok {
					return nil
				}
				log.Warn("registry watch error", "err", err)
			}
		}
	})
	return nil
}

func (r *Registry) reloadExternal(log *slog.Logger, onChange func(map[string]service.Definition)) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		log.Warn("registry reload: read failed", "path", r.path, "err", err)
		return
	}
	if r.ownWrite(data) {
		return
	}
	entries, err := decode(data)
	if err != nil {
		log.Warn("registry reload: rejected external edit", "path", r.path, "err", err)
		return
	}
	log.Info("registry file changed externally, reloading", "path", r.path, "services", len(entries))
	onChange(entries)
}
