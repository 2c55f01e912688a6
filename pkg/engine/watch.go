package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is how long Watch waits for changes to settle.
const DefaultWatchDebounce = 500 * time.Millisecond

// RunReport receives the outcome of each run started by Watch.
type RunReport func(summary *RunSummary, err error)

// Watch runs the playbook, then runs it again whenever a YAML file in the
// workspace or the collections tree changes. It returns when ctx is done.
func (e *Engine) Watch(ctx context.Context, params Params, report RunReport) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	roots := []string{e.cfg.Workspace}
	if !isWithin(e.cfg.CollectionsDir, e.cfg.Workspace) {
		roots = append(roots, e.cfg.CollectionsDir)
	}
	for _, root := range roots {
		if err := e.watchTree(watcher, root); err != nil {
			return err
		}
	}
	e.logger.WithField("roots", roots).Info("watching for changes")

	report(e.Run(ctx, params))

	delay := e.debounce
	if delay <= 0 {
		delay = DefaultWatchDebounce
	}
	trigger := make(chan string, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !e.ignored(event.Name) {
					_ = e.watchTree(watcher, event.Name)
				}
			}
			if !e.relevant(event) {
				continue
			}
			e.logger.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("workspace changed")

			if timer != nil {
				timer.Stop()
			}
			name := event.Name
			timer = time.AfterFunc(delay, func() {
				select {
				case trigger <- name:
				default:
				}
			})

		case name := <-trigger:
			e.logger.WithField("file", name).Info("change detected, running again")
			report(e.Run(ctx, params))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.WithError(err).Warn("watcher error")
		}
	}
}

// watchTree adds root and every directory below it, except ignored ones.
func (e *Engine) watchTree(watcher *fsnotify.Watcher, root string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && e.ignored(path) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// ignored reports whether path is the artifacts dir or a hidden directory.
func (e *Engine) ignored(path string) bool {
	if isWithin(path, e.cfg.ArtifactsDir) {
		return true
	}
	return strings.HasPrefix(filepath.Base(path), ".")
}

func (e *Engine) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if e.ignored(filepath.Dir(event.Name)) {
		return false
	}
	switch strings.ToLower(filepath.Ext(event.Name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func isWithin(path, dir string) bool {
	if path == "" || dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
