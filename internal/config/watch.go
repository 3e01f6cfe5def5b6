package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// ApplyLogLevel applies the configured log level to all module loggers.
// Unknown levels are rejected with a warning and leave the previous level.
func ApplyLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("CONFIG: unknown log level %q: %v", level, err)
		return
	}
	logging.SetAllLoggers(lvl)
}

// Watch reloads the config file in dir whenever it changes and calls onChange
// with the fresh config. Invalid intermediate states (editors tend to write in
// two steps) are skipped silently; the last good config stays active.
// Watch returns once ctx is done.
func Watch(ctx context.Context, dir string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace the file by rename,
	// which drops a watch attached to the inode.
	if err := w.Add(dir); err != nil {
		return err
	}

	target := filepath.Join(dir, FileName)
	var pending *time.Timer
	reload := func() {
		cfg, err := Load(dir)
		if err != nil {
			log.Debugf("CONFIG: skipping reload: %v", err)
			return
		}
		log.Infof("CONFIG: reloaded %s", target)
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			// Debounce: a save typically fires several events back to back.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("CONFIG: watcher error: %v", err)
		}
	}
}
