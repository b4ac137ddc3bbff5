package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads the hot-reloadable config sections (agent session
// directories and provider base URLs) when the file at path changes.
// Server, storage, and logging settings require a restart. Blocks until
// ctx is cancelled.
func (c *Config) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: editors replace the file on save
	// and a file watch dies with the old inode.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				c.reloadFrom(path)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config: watcher error")
		}
	}
}

func (c *Config) reloadFrom(path string) {
	fresh, err := Load(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config: reload failed, keeping previous config")
		return
	}
	c.replaceReloadable(fresh)
	log.Info().
		Str("path", path).
		Int("agents", len(fresh.Agents)).
		Int("providers", len(fresh.Providers)).
		Msg("config: reloaded")
}
