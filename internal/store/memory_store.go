package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/microsoft/planetary-computer-tasks/internal/records"
)

// MemoryStore 是基于内存的文档存储，适合测试或单机部署。
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]records.Document
	now  func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]records.Document), now: time.Now}
}

// Query 返回所有满足过滤条件的文档，按键排序。
func (s *MemoryStore) Query(ctx context.Context, filter records.Filter) ([]records.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]records.Document, 0)
	for _, doc := range s.docs {
		if filter.Matches(doc) {
			result = append(result, doc.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result, nil
}

// Get 查询指定文档。
func (s *MemoryStore) Get(ctx context.Context, recordType records.RecordType, id string) (records.Document, error) {
	if err := ctx.Err(); err != nil {
		return records.Document{}, err
	}
	key := records.DocumentKey(recordType, id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	if !ok {
		return records.Document{}, documentNotFound(key)
	}
	return doc.Clone(), nil
}

// Put 写入或覆盖文档，版本在原有基础上加一。
func (s *MemoryStore) Put(ctx context.Context, doc records.Document) (records.Document, error) {
	if err := ctx.Err(); err != nil {
		return records.Document{}, err
	}
	if err := validateDocument(doc); err != nil {
		return records.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := doc.Clone()
	next.Version = s.docs[doc.Key()].Version + 1
	next.UpdatedAt = s.now().Unix()
	s.docs[doc.Key()] = next
	return next.Clone(), nil
}

// Replace 在版本一致时整体替换文档。
func (s *MemoryStore) Replace(ctx context.Context, doc records.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateDocument(doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[doc.Key()]
	if !ok {
		return documentNotFound(doc.Key())
	}
	if current.Version != doc.Version {
		return versionConflict(doc.Key(), doc.Version, current.Version)
	}
	next := doc.Clone()
	next.Version = current.Version + 1
	next.UpdatedAt = s.now().Unix()
	s.docs[doc.Key()] = next
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
