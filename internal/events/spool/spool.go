// Package spool reads stream notifications from a watched directory. Each
// stream lives in <dir>/<stream>.json holding either a notification object
// or a bare array of records, which is taken as a full snapshot.
package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"fleetconsole/internal/events"
)

type Source struct {
	dir string
	log logrus.FieldLogger
}

func New(dir string, log logrus.FieldLogger) *Source {
	return &Source{dir: dir, log: log}
}

func (s *Source) path(key events.StreamKey) string {
	return filepath.Join(s.dir, string(key)+".json")
}

func (s *Source) Subscribe(ctx context.Context, key events.StreamKey) (events.Subscription, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{ch: make(chan events.Notification, 8), cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, key, w, sub)
	return sub, nil
}

func (s *Source) run(ctx context.Context, key events.StreamKey, w *fsnotify.Watcher, sub *subscription) {
	defer close(sub.done)
	defer close(sub.ch)
	defer w.Close()

	target := s.path(key)
	emit := func() bool {
		n, err := ReadFile(target, key)
		if errors.Is(err, os.ErrNotExist) {
			return true
		}
		if err != nil {
			s.log.WithError(err).WithField("file", target).Warn("skipping unreadable spool file")
			return true
		}
		select {
		case sub.ch <- n:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !emit() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !emit() {
				return
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			select {
			case sub.ch <- events.Notification{Stream: key, Err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// ReadFile parses one spool file.
func ReadFile(path string, key events.StreamKey) (events.Notification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return events.Notification{}, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return events.Notification{}, fmt.Errorf("%s: empty file", path)
	}
	if data[0] == '[' {
		var recs []events.RawRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return events.Notification{}, fmt.Errorf("%s: %w", path, err)
		}
		return events.Notification{Stream: key, Op: events.OpSnapshot, Records: recs}, nil
	}
	var n events.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return events.Notification{}, fmt.Errorf("%s: %w", path, err)
	}
	n.Stream = key
	switch n.Op {
	case events.OpSnapshot, events.OpUpsert, events.OpRemove:
	case "":
		n.Op = events.OpSnapshot
	default:
		return events.Notification{}, fmt.Errorf("%s: unknown op %q", path, n.Op)
	}
	return n, nil
}

type subscription struct {
	ch     chan events.Notification
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Updates() <-chan events.Notification { return s.ch }

func (s *subscription) Close() error {
	s.cancel()
	// Drain so the watcher goroutine can exit if it is blocked on send.
	for range s.ch {
	}
	<-s.done
	return nil
}
