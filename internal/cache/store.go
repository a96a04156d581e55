package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/callpipe/internal/model"
)

// Config controls the in-process cache tier.
type Config struct {
	// TTL is how long a stored result stays live. Default: 5m.
	TTL time.Duration

	// MaxEntries caps the store; the oldest entry is evicted on overflow.
	// Default: 1000.
	MaxEntries int

	// SweepInterval is how often Run drops expired entries. Default: 1m.
	SweepInterval time.Duration

	// OnHit and OnMiss observe lookups by step name.
	OnHit  func(step string)
	OnMiss func(step string)
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		MaxEntries:    1000,
		SweepInterval: time.Minute,
	}
}

// Backend is an optional shared tier consulted on an in-process miss.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Entry is one cached step output, stored as canonical JSON.
type Entry struct {
	Key       string
	Step      string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	Hits      int64

	elem *list.Element
}

// Store is the in-process result cache. The map lock only guards bookkeeping;
// invocations run outside it, serialized per key through singleflight.
type Store struct {
	cfg     Config
	backend Backend

	mu      sync.Mutex
	entries map[string]*Entry
	order   *list.List // oldest at front
	latest  map[string]string

	group singleflight.Group

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewStore creates a cache. backend may be nil.
func NewStore(cfg Config, backend Backend) *Store {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Store{
		cfg:     cfg,
		backend: backend,
		entries: make(map[string]*Entry),
		order:   list.New(),
		latest:  make(map[string]string),
		nowFunc: time.Now,
	}
}

type flight struct {
	data   []byte
	cached bool
}

// Do returns the live result for key or runs fn to produce it. Concurrent
// callers for the same key share one fn invocation; every caller except the
// one that ran fn counts as a hit. The bool result reports whether the output
// came from cache. Errors are never cached.
//
// A caller whose ctx ends stops waiting and forgets the flight, so the next
// caller for key invokes fn again. The abandoned flight's result is dropped.
func (s *Store) Do(ctx context.Context, step, key string, fn func(ctx context.Context) (*model.Output, error)) (*model.Output, bool, error) {
	if data, ok := s.lookup(key); ok {
		s.hit(step)
		out, err := decode(data)
		return out, true, err
	}

	var ran atomic.Bool
	ch := s.group.DoChan(key, func() (any, error) {
		ran.Store(true)

		// A flight that finished between lookup and Do may have stored it.
		if data, ok := s.peek(key); ok {
			return flight{data: data, cached: true}, nil
		}
		if data, ok := s.fromBackend(ctx, key); ok {
			s.put(step, key, data, false)
			return flight{data: data, cached: true}, nil
		}

		out, err := fn(ctx)
		if ctx.Err() != nil {
			return nil, eris.Wrapf(context.Cause(ctx), "cache: %s flight abandoned", step)
		}
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, eris.Wrapf(err, "cache: encode output for %s", step)
		}
		s.put(step, key, data, true)
		s.toBackend(ctx, key, data)
		return flight{data: data}, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		s.group.Forget(key)
		return nil, false, context.Cause(ctx)
	}
	if res.Err != nil {
		return nil, false, res.Err
	}

	f := res.Val.(flight)
	cached := f.cached || !ran.Load()
	if cached {
		s.touch(key)
		s.hit(step)
	} else if s.cfg.OnMiss != nil {
		s.cfg.OnMiss(step)
	}

	out, err := decode(f.data)
	return out, cached, err
}

// Forget drops the in-flight invocation for key, if any. The next Do for key
// invokes fn again instead of waiting on the forgotten flight.
func (s *Store) Forget(key string) {
	s.group.Forget(key)
}

// Latest returns the newest live result stored for step in this process.
func (s *Store) Latest(step string) (*model.Output, bool) {
	s.mu.Lock()
	key, ok := s.latest[step]
	var data []byte
	if ok {
		if e, live := s.liveLocked(key); live {
			data = e.Value
		}
	}
	s.mu.Unlock()

	if data == nil {
		return nil, false
	}
	out, err := decode(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Hits returns the hit counter of a live entry.
func (s *Store) Hits(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return 0, false
	}
	return e.Hits, true
}

// Len returns the number of stored entries, expired ones included until swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	removed := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if !now.Before(e.ExpiresAt) {
			s.removeLocked(e)
			removed++
		}
		el = next
	}
	return removed
}

// Run sweeps expired entries every SweepInterval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				zap.L().Debug("cache: swept expired entries", zap.Int("removed", n))
			}
		}
	}
}

func (s *Store) lookup(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return nil, false
	}
	e.Hits++
	return e.Value, true
}

func (s *Store) peek(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

func (s *Store) touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.Hits++
	}
}

// liveLocked returns the entry for key if it has not expired. Expired entries
// are removed on sight.
func (s *Store) liveLocked(key string) (*Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !s.nowFunc().Before(e.ExpiresAt) {
		s.removeLocked(e)
		return nil, false
	}
	return e, true
}

// put stores data under key. local marks a result produced in this process;
// only those become the step's Latest.
func (s *Store) put(step, key string, data []byte, local bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if old, ok := s.entries[key]; ok {
		s.removeLocked(old)
	}
	e := &Entry{
		Key:       key,
		Step:      step,
		Value:     data,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	e.elem = s.order.PushBack(e)
	s.entries[key] = e
	if local {
		s.latest[step] = key
	}

	for len(s.entries) > s.cfg.MaxEntries {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest.Value.(*Entry))
	}
}

func (s *Store) removeLocked(e *Entry) {
	s.order.Remove(e.elem)
	delete(s.entries, e.Key)
	if s.latest[e.Step] == e.Key {
		delete(s.latest, e.Step)
	}
}

func (s *Store) hit(step string) {
	if s.cfg.OnHit != nil {
		s.cfg.OnHit(step)
	}
}

func (s *Store) fromBackend(ctx context.Context, key string) ([]byte, bool) {
	if s.backend == nil {
		return nil, false
	}
	data, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		zap.L().Warn("cache: backend get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return data, ok
}

func (s *Store) toBackend(ctx context.Context, key string, data []byte) {
	if s.backend == nil {
		return
	}
	if err := s.backend.Set(ctx, key, data, s.cfg.TTL); err != nil {
		zap.L().Warn("cache: backend set failed", zap.String("key", key), zap.Error(err))
	}
}

func decode(data []byte) (*model.Output, error) {
	var out model.Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "cache: decode output")
	}
	return &out, nil
}
