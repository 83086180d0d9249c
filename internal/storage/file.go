package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "taskpulse/pkg/logx"
)

// fileStore keeps every key in one JSON document. Each write rewrites the
// document through a temp file and an atomic rename, so a crash leaves either
// the old or the new snapshot, never a torn one.
//
// Values are small (the notification log is capped), so rewriting is fine.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	data   map[string][]byte // encoding/json base64-encodes []byte
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	data := map[string][]byte{}
	b, err := os.ReadFile(path)
	switch {
	case err == nil && len(b) > 0:
		if jerr := json.Unmarshal(b, &data); jerr != nil {
			// Keep the broken file around for inspection and start empty.
			log.Warn("storage file corrupt; starting empty", logx.String("path", path), logx.Err(jerr))
			_ = os.Rename(path, path+".corrupt")
			data = map[string][]byte{}
		}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	return &fileStore{log: log, path: path, data: data}, nil
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.data[key]
	s.data[key] = append([]byte(nil), value...)
	if err := s.flushLocked(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flushLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) flushLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
