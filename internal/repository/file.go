package repository

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"chatgate/internal/models"
)

type fileSnapshot struct {
	Messages []*models.ChatMessage         `json:"messages"`
	Mutes    map[string]*models.MuteRecord `json:"mutes"`
}

// FileStore keeps everything in one JSON document, rewritten atomically on
// each mutation. It suits single-instance deployments without a database.
type FileStore struct {
	mu   sync.Mutex
	path string
	data fileSnapshot
}

// NewFileStore loads path, starting empty when the file does not exist yet.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: fileSnapshot{Mutes: make(map[string]*models.MuteRecord)},
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse store file %s: %w", path, err)
	}
	if s.data.Mutes == nil {
		s.data.Mutes = make(map[string]*models.MuteRecord)
	}
	return s, nil
}

func (s *FileStore) Append(ctx context.Context, msg *models.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *msg
	s.data.Messages = append(s.data.Messages, &cp)
	if err := s.persist(); err != nil {
		s.data.Messages = s.data.Messages[:len(s.data.Messages)-1]
		return err
	}
	return nil
}

func (s *FileStore) SoftDelete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.data.Messages {
		if m.ID != id {
			continue
		}
		prev := m.IsDeleted
		m.IsDeleted = true
		if err := s.persist(); err != nil {
			m.IsDeleted = prev
			return err
		}
		return nil
	}
	return ErrMessageNotFound
}

func (s *FileStore) GetMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.data.Messages {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (s *FileStore) ListRecent(ctx context.Context, limit, offset int) ([]*models.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]*models.ChatMessage, 0, len(s.data.Messages))
	for _, m := range s.data.Messages {
		if !m.IsDeleted {
			cp := *m
			live = append(live, &cp)
		}
	}
	slices.SortStableFunc(live, func(a, b *models.ChatMessage) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	if offset >= len(live) {
		return []*models.ChatMessage{}, nil
	}
	live = live[offset:]
	if limit >= 0 && limit < len(live) {
		live = live[:limit]
	}
	return live, nil
}

func (s *FileStore) GetMuteRecord(ctx context.Context, address string) (*models.MuteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.Mutes[address]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *FileStore) UpsertMuteRecord(ctx context.Context, rec *models.MuteRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data.Mutes[rec.SenderAddress]
	cp := *rec
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.data.Mutes[rec.SenderAddress] = &cp
	if err := s.persist(); err != nil {
		if had {
			s.data.Mutes[rec.SenderAddress] = prev
		} else {
			delete(s.data.Mutes, rec.SenderAddress)
		}
		return err
	}
	return nil
}

func (s *FileStore) DeleteMuteRecord(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data.Mutes[address]
	if !had {
		return nil
	}
	delete(s.data.Mutes, address)
	if err := s.persist(); err != nil {
		s.data.Mutes[address] = prev
		return err
	}
	return nil
}

func (s *FileStore) PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.data.Messages
	kept := make([]*models.ChatMessage, 0, len(prev))
	for _, m := range prev {
		if !m.CreatedAt.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	removed := int64(len(prev) - len(kept))
	if removed == 0 {
		return 0, nil
	}
	s.data.Messages = kept
	if err := s.persist(); err != nil {
		s.data.Messages = prev
		return 0, err
	}
	return removed, nil
}

func (s *FileStore) PurgeExpiredMutes(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make(map[string]*models.MuteRecord)
	for addr, rec := range s.data.Mutes {
		if !now.Before(rec.MutedUntil) {
			expired[addr] = rec
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	for addr := range expired {
		delete(s.data.Mutes, addr)
	}
	if err := s.persist(); err != nil {
		for addr, rec := range expired {
			s.data.Mutes[addr] = rec
		}
		return 0, err
	}
	return int64(len(expired)), nil
}

// Ping checks that the store's directory still exists.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(filepath.Dir(s.path))
	if err != nil {
		return fmt.Errorf("store directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store directory %s is not a directory", filepath.Dir(s.path))
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// persist writes to a temp file in the same directory and renames it over
// the target. Callers must hold s.mu.
func (s *FileStore) persist() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
