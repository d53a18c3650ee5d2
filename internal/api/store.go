package api

import "sync"

// DefaultStoreCapacity bounds how many decode results are kept.
const DefaultStoreCapacity = 256

// DecodeStore keeps the most recent decode results by id. When full, the
// oldest result is evicted.
type DecodeStore struct {
	mu       sync.Mutex
	capacity int
	order    []string
	results  map[string]DecodeResponse
}

func NewDecodeStore(capacity int) *DecodeStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &DecodeStore{
		capacity: capacity,
		results:  make(map[string]DecodeResponse),
	}
}

func (s *DecodeStore) Put(resp DecodeResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.results[resp.ID] = resp
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.results, oldest)
	}
}

func (s *DecodeStore) Get(id string) (DecodeResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.results[id]
	return resp, ok
}

func (s *DecodeStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *DecodeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
