package lab

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"yqhp/ot2-agent/internal/port"
)

// RackIdentifier 是载玻片架的结构体标识符。
const RackIdentifier = "@ot2/rack"

// Rack 是一个已装载的载玻片架。
type Rack struct {
	ID    string
	Slots int
}

// RackStore 在内存中保存载玻片架，句柄即架的 ID。
type RackStore struct {
	racks    map[string]*Rack
	released int
	mu       sync.Mutex
}

// NewRackStore 创建空的架存储。
func NewRackStore() *RackStore {
	return &RackStore{racks: make(map[string]*Rack)}
}

// Load 装载一个新架。
func (s *RackStore) Load(slots int) *Rack {
	r := &Rack{ID: "rack-" + uuid.NewString(), Slots: slots}

	s.mu.Lock()
	s.racks[r.ID] = r
	s.mu.Unlock()
	return r
}

// Get 按句柄查找架。
func (s *RackStore) Get(id string) (*Rack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.racks[id]
	return r, ok
}

// Len 返回仍被持有的架数量。
func (s *RackStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.racks)
}

// Released 返回已释放的架数量。
func (s *RackStore) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Structure 返回 @ot2/rack 的展开/收缩/释放函数。
func (s *RackStore) Structure() port.StructureType {
	return port.StructureType{
		Identifier: RackIdentifier,
		Expand: func(_ context.Context, handle string) (any, error) {
			r, ok := s.Get(handle)
			if !ok {
				return nil, fmt.Errorf("rack not found: %s", handle)
			}
			return r, nil
		},
		Shrink: func(_ context.Context, value any) (string, error) {
			r, ok := value.(*Rack)
			if !ok {
				return "", fmt.Errorf("expected *lab.Rack, got %T", value)
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, known := s.racks[r.ID]; !known {
				s.racks[r.ID] = r
			}
			return r.ID, nil
		},
		Release: func(_ context.Context, handle string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.racks[handle]; !ok {
				return fmt.Errorf("rack not found: %s", handle)
			}
			delete(s.racks, handle)
			s.released++
			return nil
		},
	}
}
