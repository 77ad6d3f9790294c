package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config file whenever it changes and hands the result to
// onReload. The parent directory is watched because editors typically
// replace the file instead of writing in place. A reload that fails
// validation is reported through onError and the previous config stays
// active.
func Watch(
	ctx context.Context,
	configPath string,
	onReload func(Config),
	onError func(error),
) error {
	configPath = strings.TrimSpace(configPath)
	if configPath == "" || onReload == nil {
		return nil
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case err := <-watcher.Errors:
				if err != nil && onError != nil {
					onError(err)
				}
			case ev := <-watcher.Events:
				if filepath.Clean(ev.Name) != absPath {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
					timerC = timer.C
				} else {
					timer.Reset(reloadDebounce)
				}
			case <-timerC:
				cfg, err := Load(absPath)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				onReload(cfg)
			}
		}
	}()
	return nil
}
