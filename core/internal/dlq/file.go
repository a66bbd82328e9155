package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileSink writes one JSON file per dead letter.
type FileSink struct {
	basePath string
	mu       sync.Mutex
}

// NewFileSink creates a sink that writes to the specified directory.
func NewFileSink(basePath string) (*FileSink, error) {
	if basePath == "" {
		basePath = "/var/lib/taskhub/dlq"
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &FileSink{basePath: basePath}, nil
}

func (s *FileSink) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", ErrNotFound
	}
	return filepath.Join(s.basePath, id+".json"), nil
}

func (s *FileSink) Write(ctx context.Context, e Entry) (Entry, error) {
	e = prepare(e)
	p, err := s.path(e.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid entry id %q", e.ID)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal dlq entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Entry{}, fmt.Errorf("write dlq entry: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return Entry{}, fmt.Errorf("commit dlq entry: %w", err)
	}
	return e, nil
}

func (s *FileSink) readAll() ([]Entry, error) {
	files, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}

	entries := make([]Entry, 0, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.basePath, file.Name()))
		if err != nil {
			slog.Error("failed to read DLQ file", slog.String("file", file.Name()), slog.String("error", err.Error()))
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			slog.Error("failed to parse DLQ file", slog.String("file", file.Name()), slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *FileSink) List(ctx context.Context, f Filter) ([]Entry, error) {
	s.mu.Lock()
	all, err := s.readAll()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, e := range all {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return sortAndLimit(out, f.Limit), nil
}

func (s *FileSink) Get(ctx context.Context, id string) (Entry, error) {
	p, err := s.path(id)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(p)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("read dlq entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("parse dlq entry: %w", err)
	}
	return e, nil
}

func (s *FileSink) Delete(ctx context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete dlq entry: %w", err)
	}
	return nil
}

func (s *FileSink) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	all, err := s.readAll()
	s.mu.Unlock()
	if err != nil {
		return Stats{}, err
	}
	return countStats("file", all), nil
}

var _ Sink = (*FileSink)(nil)
