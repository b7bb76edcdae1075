// Package pauseflag implements the supervisor-to-worker pause signal from
// section 4.6 ("paused: file-flag set by supervisor"): a directory of
// per-shard flag files, watched with fsnotify so a worker's pause check is a
// map lookup rather than a stat() on every iteration.
package pauseflag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Checker watches dir for files named shard-<id>.pause and reports, for any
// shard ID, whether its flag currently exists. It implements
// worker.PauseFlagChecker and archiveworker's equivalent without importing
// either package.
type Checker struct {
	dir     string
	watcher *fsnotify.Watcher
	log     *logrus.Entry

	mu     sync.RWMutex
	paused map[int]bool

	cancel context.CancelFunc
}

// flagName returns the flag file name for shardID, e.g. "shard-3.pause".
func flagName(shardID int) string {
	return fmt.Sprintf("shard-%d.pause", shardID)
}

// New creates dir if needed, seeds the initial paused set from whatever
// flags already exist, and starts watching for changes. Call Close to stop
// the watch goroutine.
func New(dir string, log *logrus.Entry) (*Checker, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pauseflag: create %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pauseflag: new watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("pauseflag: watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		dir:     dir,
		watcher: watcher,
		log:     log,
		paused:  make(map[int]bool),
		cancel:  cancel,
	}

	if err := c.seed(); err != nil {
		cancel()
		_ = watcher.Close()
		return nil, err
	}

	go c.watchLoop(ctx)
	return c, nil
}

func (c *Checker) seed() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("pauseflag: list %s: %w", c.dir, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if shardID, ok := parseFlagName(e.Name()); ok {
			c.paused[shardID] = true
		}
	}
	return nil
}

func parseFlagName(name string) (int, bool) {
	var shardID int
	if _, err := fmt.Sscanf(name, "shard-%d.pause", &shardID); err != nil {
		return 0, false
	}
	return shardID, true
}

func (c *Checker) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			shardID, ok := parseFlagName(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			c.mu.Lock()
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				c.paused[shardID] = true
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(c.paused, shardID)
			}
			c.mu.Unlock()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.WithError(err).Warn("pauseflag watcher error")
		}
	}
}

// Paused implements worker.PauseFlagChecker and the archiveworker analogue.
func (c *Checker) Paused(ctx context.Context, shardID int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused[shardID]
}

// Set creates or removes shardID's pause flag on disk; the watch loop picks
// up the change asynchronously. In this module only the tests call it.
func (c *Checker) Set(shardID int, paused bool) error {
	path := filepath.Join(c.dir, flagName(shardID))
	if paused {
		return os.WriteFile(path, nil, 0o644)
	}
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close stops the watch loop and releases the underlying fsnotify watcher.
func (c *Checker) Close() error {
	c.cancel()
	return c.watcher.Close()
}
