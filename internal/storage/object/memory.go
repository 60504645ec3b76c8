package object

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore 进程内对象存储，对象按压缩后的形式保存
type MemoryStore struct {
	objects map[string][]byte
	tag     CompressionTag
	mu      sync.RWMutex
}

func NewMemoryStore(tag CompressionTag) *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		tag:     tag,
	}
}

func (s *MemoryStore) Persist(ctx context.Context, key string, blob []byte) error {
	data, err := Encode(blob, s.tag)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	data, exists := s.objects[key]
	s.mu.RUnlock()
	if !exists {
		return nil, nil
	}
	return Decode(data)
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			results = append(results, key)
		}
	}
	sort.Strings(results)
	return results, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
