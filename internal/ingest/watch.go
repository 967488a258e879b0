package ingest

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// inboxWatcher turns COMMIT creations under the inbox into wake-ups for the
// poll loop. fsnotify is not recursive, so each new job directory is added
// as it appears. The ticker stays the source of truth; a missed event only
// costs one poll interval.
type inboxWatcher struct {
	inbox string
	w     *fsnotify.Watcher
	wake  chan struct{}
	log   *zap.Logger
}

func newInboxWatcher(inbox string, log *zap.Logger) (*inboxWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	iw := &inboxWatcher{inbox: inbox, w: w, wake: make(chan struct{}, 1), log: log}
	if err := w.Add(inbox); err != nil {
		_ = w.Close()
		return nil, err
	}
	entries, err := os.ReadDir(inbox)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			iw.add(filepath.Join(inbox, e.Name()))
		}
	}
	return iw, nil
}

func (iw *inboxWatcher) Wake() <-chan struct{} { return iw.wake }

func (iw *inboxWatcher) Close() error { return iw.w.Close() }

func (iw *inboxWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-iw.w.Events:
			if !ok {
				return
			}
			iw.handle(ev)
		case err, ok := <-iw.w.Errors:
			if !ok {
				return
			}
			iw.log.Warn("inbox watch error", zap.Error(err))
		}
	}
}

func (iw *inboxWatcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
		return
	}
	if filepath.Dir(ev.Name) == iw.inbox {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			iw.add(ev.Name)
			// The COMMIT may already be inside a directory renamed into place.
			if _, err := os.Stat(filepath.Join(ev.Name, CommitFile)); err == nil {
				iw.notify()
			}
		}
		return
	}
	if filepath.Base(ev.Name) == CommitFile {
		iw.notify()
	}
}

func (iw *inboxWatcher) add(dir string) {
	if err := iw.w.Add(dir); err != nil {
		iw.log.Debug("watch job dir", zap.String("path", dir), zap.Error(err))
	}
}

func (iw *inboxWatcher) notify() {
	select {
	case iw.wake <- struct{}{}:
	default:
	}
}
