package tagging

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-runs Apply whenever the ontology file changes, debouncing
// rapid editor save bursts. It blocks until ctx is cancelled. onResult
// receives the outcome of every pass, including the initial one.
func Watch(ctx context.Context, db *sql.DB, path string, opts Options, debounce time.Duration, onResult func(Result, error)) error {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on
	// save, which would drop a direct file watch.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	run := func() {
		res, err := Apply(ctx, db, path, opts)
		onResult(res, err)
	}

	run()

	// The timer's channel is read inside the select so a pending run
	// can never fire after Watch returns.
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	trigger := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
		}
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fire:
			fire = nil
			run()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) == base {
				trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onResult(Result{}, fmt.Errorf("watch error: %w", err))
		}
	}
}
