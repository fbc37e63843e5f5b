package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"barnsync/internal/models"
	"barnsync/internal/service"

	"github.com/fsnotify/fsnotify"
)

// settleWindow is how long a spool file that fails to parse is left alone
// before being rejected, in case a device is still writing it. Devices are
// expected to write to a temp name and rename, which makes the window moot.
const settleWindow = 2 * time.Second

const (
	processedDir = "processed"
	rejectedDir  = "rejected"
)

// Enqueuer admits captured records into the sync queue.
type Enqueuer interface {
	EnqueueRecord(ctx context.Context, req models.CreateRecordRequest) (*models.QueueItem, error)
}

// Watcher ingests record files that capture devices drop into the spool
// directory. Each *.json file holds one CreateRecordRequest; a successfully
// enqueued file moves to processed/, an invalid one to rejected/, and a file
// the queue could not take stays put for the next rescan.
type Watcher struct {
	dir     string
	rescan  time.Duration
	capture Enqueuer
}

func NewWatcher(dir string, capture Enqueuer, rescan time.Duration) *Watcher {
	if rescan <= 0 {
		rescan = 30 * time.Second
	}
	return &Watcher{
		dir:     dir,
		rescan:  rescan,
		capture: capture,
	}
}

// Run watches the spool until ctx is cancelled. fsnotify picks up files as
// they land; the periodic rescan catches anything dropped while the watcher
// was not running and files deferred by transient enqueue failures.
func (w *Watcher) Run(ctx context.Context) error {
	for _, dir := range []string{w.dir, filepath.Join(w.dir, processedDir), filepath.Join(w.dir, rejectedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to ensure spool dir %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create spool watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool dir %s: %w", w.dir, err)
	}

	ticker := time.NewTicker(w.rescan)
	defer ticker.Stop()

	log.Printf("spool: watching %s", w.dir)
	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if filepath.Ext(event.Name) == ".json" {
					w.handleFile(ctx, event.Name)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("spool: watch error: %v", err)

		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// scan processes every spool file currently on disk.
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("spool: rescan of %s failed: %v", w.dir, err)
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		w.handleFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) handleFile(ctx context.Context, path string) {
	base := filepath.Base(path)

	data, err := os.ReadFile(path)
	if err != nil {
		// A second event for a file the first one already moved.
		if !os.IsNotExist(err) {
			log.Printf("spool: failed to read %s: %v", base, err)
		}
		return
	}

	var req models.CreateRecordRequest
	if err := json.Unmarshal(data, &req); err != nil {
		if w.stillSettling(path) {
			return
		}
		log.Printf("spool: rejected %s: %v", base, err)
		w.moveTo(path, rejectedDir)
		return
	}

	item, err := w.capture.EnqueueRecord(ctx, req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			log.Printf("spool: rejected %s: %v", base, err)
			w.moveTo(path, rejectedDir)
			return
		}
		// Queue trouble, keep the file so the next rescan retries it.
		log.Printf("spool: could not enqueue %s, will retry: %v", base, err)
		return
	}

	log.Printf("spool: enqueued %s as item_id=%s", base, item.ID)
	w.moveTo(path, processedDir)
}

// stillSettling reports whether the file is young enough that a device may
// still be writing it.
func (w *Watcher) stillSettling(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) < settleWindow
}

func (w *Watcher) moveTo(path string, subdir string) {
	dest := filepath.Join(w.dir, subdir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		log.Printf("spool: failed to move %s to %s/: %v", filepath.Base(path), subdir, err)
	}
}
