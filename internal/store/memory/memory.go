// Package memory 提供纯内存的缓存实现，给测试和无盘环境用。
package memory

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt int64
}

type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]entry
}

func New() *Store {
	return &Store{data: make(map[string]map[string]entry)}
}

func (s *Store) HSet(_ context.Context, namespace, field string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().UnixMilli() + ttl.Milliseconds()
	}
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.data[namespace]
	if ns == nil {
		ns = make(map[string]entry)
		s.data[namespace] = ns
	}
	ns[field] = entry{value: v, expiresAt: expiresAt}
	return nil
}

func (s *Store) HGet(_ context.Context, namespace, field string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.data[namespace][field]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if e.expiresAt > 0 && e.expiresAt <= time.Now().UnixMilli() {
		s.mu.Lock()
		delete(s.data[namespace], field)
		s.mu.Unlock()
		return nil, false, nil
	}
	v := make([]byte, len(e.value))
	copy(v, e.value)
	return v, true, nil
}

func (s *Store) HHas(ctx context.Context, namespace, field string) (bool, error) {
	_, ok, err := s.HGet(ctx, namespace, field)
	return ok, err
}

func (s *Store) HDel(_ context.Context, namespace, field string) error {
	s.mu.Lock()
	delete(s.data[namespace], field)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	return nil
}
