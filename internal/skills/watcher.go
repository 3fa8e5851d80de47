package skills

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry when a skill file changes in either directory.
// Events are debounced so an editor's write burst triggers one reload.
func (r *Registry) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range []string{r.projectDir, r.userDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		// Missing dirs are fine; they may appear later but are not watched.
		_ = fsw.Add(dir)
	}

	go func() {
		defer fsw.Close()
		var debounce *time.Timer
		reload := func() {
			if err := r.Reload(); err != nil {
				r.logger.Warn("skill reload failed", "error", err)
				return
			}
			r.logger.Info("skills reloaded", "count", len(r.GetAll()))
		}
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if !strings.HasSuffix(ev.Name, ".md") {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				r.logger.Error("skills watcher error", "error", err)
			}
		}
	}()
	return nil
}
