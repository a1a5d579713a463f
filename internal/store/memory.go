package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-process
// deployments. All watch callbacks are delivered from one notifier
// goroutine in commit order, which gives the same per-path ordering
// guarantee as the Redis backend without any network.
type MemoryStore struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	seq       uint64
	nextWatch int

	docs  map[string]Fields
	order map[string][]string // collection path -> member ids, commit order

	docWatch map[string]map[int]func(Fields)
	colWatch map[string]map[int]*collectionWatcher
}

type collectionWatcher struct {
	onAdd    func(id string, fields Fields)
	onRemove func(id string)
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		docs:     make(map[string]Fields),
		order:    make(map[string][]string),
		docWatch: make(map[string]map[int]func(Fields)),
		colWatch: make(map[string]map[int]*collectionWatcher),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.notifier()
	return s
}

// Close stops the notifier after the pending queue drains. Subsequent
// writes fail with ErrClosed.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *MemoryStore) notifier() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// enqueue must be called with s.mu held.
func (s *MemoryStore) enqueue(fn func()) {
	s.queue = append(s.queue, fn)
	s.cond.Signal()
}

func (s *MemoryStore) Create(ctx context.Context, path string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.docs[path]; ok {
		return ErrExists
	}
	s.writeLocked(path, cloneFields(fields))
	return nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.writeLocked(path, cloneFields(fields))
	return nil
}

func (s *MemoryStore) Merge(ctx context.Context, path string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	merged := cloneFields(s.docs[path])
	if merged == nil {
		merged = make(Fields, len(fields))
	}
	for k, v := range fields {
		merged[k] = v
	}
	s.writeLocked(path, merged)
	return nil
}

// writeLocked stores the document, records collection membership on
// first write, and queues watcher notifications.
func (s *MemoryStore) writeLocked(path string, fields Fields) {
	_, existed := s.docs[path]
	s.docs[path] = fields

	collection, id := parentOf(path)
	if !existed {
		s.order[collection] = append(s.order[collection], id)
	}

	snapshot := cloneFields(fields)
	for _, fn := range s.docWatch[path] {
		cb := fn
		s.enqueue(func() { cb(snapshot) })
	}
	if !existed {
		for _, w := range s.colWatch[collection] {
			if w.onAdd == nil {
				continue
			}
			cb := w.onAdd
			s.enqueue(func() { cb(id, snapshot) })
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, path string) (Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFields(fields), nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.docs[path]; !ok {
		return nil
	}
	delete(s.docs, path)

	collection, id := parentOf(path)
	members := s.order[collection]
	for i, m := range members {
		if m == id {
			s.order[collection] = append(members[:i:i], members[i+1:]...)
			break
		}
	}

	for _, fn := range s.docWatch[path] {
		cb := fn
		s.enqueue(func() { cb(nil) })
	}
	for _, w := range s.colWatch[collection] {
		if w.onRemove == nil {
			continue
		}
		cb := w.onRemove
		s.enqueue(func() { cb(id) })
	}
	return nil
}

func (s *MemoryStore) Add(ctx context.Context, path string, fields Fields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.seq++
	id := fmt.Sprintf("%012d", s.seq)
	s.writeLocked(path+"/"+id, cloneFields(fields))
	return id, nil
}

func (s *MemoryStore) List(ctx context.Context, path string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.order[path]
	entries := make([]Entry, 0, len(members))
	for _, id := range members {
		entries = append(entries, Entry{ID: id, Fields: cloneFields(s.docs[path+"/"+id])})
	}
	return entries, nil
}

func (s *MemoryStore) WatchDoc(path string, onChange func(Fields)) (StopFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.nextWatch++
	handle := s.nextWatch
	if s.docWatch[path] == nil {
		s.docWatch[path] = make(map[int]func(Fields))
	}
	s.docWatch[path][handle] = onChange

	if fields, ok := s.docs[path]; ok {
		snapshot := cloneFields(fields)
		s.enqueue(func() { onChange(snapshot) })
	}
	return func() {
		s.mu.Lock()
		delete(s.docWatch[path], handle)
		s.mu.Unlock()
	}, nil
}

func (s *MemoryStore) WatchCollection(path string, onAdd func(id string, fields Fields), onRemove func(id string)) (StopFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.nextWatch++
	handle := s.nextWatch
	if s.colWatch[path] == nil {
		s.colWatch[path] = make(map[int]*collectionWatcher)
	}
	s.colWatch[path][handle] = &collectionWatcher{onAdd: onAdd, onRemove: onRemove}

	// Replay current membership so late watchers still observe every
	// candidate appended before they attached.
	if onAdd != nil {
		for _, id := range s.order[path] {
			id := id
			snapshot := cloneFields(s.docs[path+"/"+id])
			s.enqueue(func() { onAdd(id, snapshot) })
		}
	}
	return func() {
		s.mu.Lock()
		delete(s.colWatch[path], handle)
		s.mu.Unlock()
	}, nil
}

func cloneFields(fields Fields) Fields {
	if fields == nil {
		return nil
	}
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
