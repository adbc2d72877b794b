// Package store holds one cache entry per query key. It performs no I/O.
//
// Fetch results are written with compare-and-set on a per-entry generation:
// BeginFetch hands out the current generation, CancelFetch bumps it, and
// CompleteFetch only writes when the generation it was given is still current.
// A cancelled fetch therefore can never overwrite data written after it started
// (for example an optimistic update).
package store

import (
	"sync"
	"time"

	"github.com/unkn0wn-root/querycache/key"
)

// DefaultRetention is used when Config.RetentionTime is zero.
const DefaultRetention = 5 * time.Minute

// Eviction reasons passed to Options.OnEvict.
const (
	ReasonRetention = "retention"
	ReasonRemoved   = "removed"
	ReasonCleared   = "cleared"
)

type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "pending"
	}
}

type FetchStatus int

const (
	FetchIdle FetchStatus = iota
	FetchFetching
)

func (s FetchStatus) String() string {
	if s == FetchFetching {
		return "fetching"
	}
	return "idle"
}

// Config is the per-entry policy fixed when the entry is created.
// RetentionTime < 0 disables eviction.
type Config struct {
	StaleTime     time.Duration
	RetentionTime time.Duration
}

// Entry is a point-in-time copy of a cache entry.
type Entry struct {
	Key           key.Key
	Data          any
	HasData       bool
	Status        Status
	FetchStatus   FetchStatus
	Err           error
	UpdatedAt     time.Time
	StaleTime     time.Duration
	RetentionTime time.Duration
	Observers     int
	Invalidated   bool
}

// StaleAt reports whether the entry is stale at now.
func (e Entry) StaleAt(now time.Time) bool {
	if e.Invalidated || !e.HasData {
		return true
	}
	return now.Sub(e.UpdatedAt) > e.StaleTime
}

// Listener receives the entry after every change. It runs outside the store
// lock and may call back into the store.
type Listener func(Entry)

type Options struct {
	Now              func() time.Time // nil => time.Now
	DefaultRetention time.Duration    // 0 => DefaultRetention
	OnEvict          func(k key.Key, reason string)
}

type Store struct {
	mu        sync.Mutex
	entries   map[string]*entry
	now       func() time.Time
	retention time.Duration
	onEvict   func(key.Key, string)
	seq       uint64
}

type entry struct {
	Entry
	gen       uint64 // fetch generation
	fetching  int    // fetches started at the current generation
	gcSeq     uint64
	gcTimer   *time.Timer
	listeners map[uint64]Listener
}

func New(opts Options) *Store {
	s := &Store{
		entries:   make(map[string]*entry),
		now:       opts.Now,
		retention: opts.DefaultRetention,
		onEvict:   opts.OnEvict,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.retention == 0 {
		s.retention = DefaultRetention
	}
	return s
}

// Ensure returns the entry for k, creating it with cfg if absent.
func (s *Store) Ensure(k key.Key, cfg Config) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreate(k, cfg).Entry
}

func (s *Store) Get(k key.Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k.String()]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Set writes data as a successful result, creating the entry if needed.
func (s *Store) Set(k key.Key, data any) {
	s.mu.Lock()
	e := s.getOrCreate(k, Config{})
	s.writeSuccess(e, data)
	ls, snap := e.snapshot()
	s.mu.Unlock()
	emit(ls, snap)
}

// Update replaces the entry data with fn(old) and marks it successful.
func (s *Store) Update(k key.Key, cfg Config, fn func(old any, ok bool) any) Entry {
	s.mu.Lock()
	e := s.getOrCreate(k, cfg)
	s.writeSuccess(e, fn(e.Data, e.HasData))
	ls, snap := e.snapshot()
	s.mu.Unlock()
	emit(ls, snap)
	return snap
}

// Swap is Update with a fallible fn. fn runs under the store lock, so the data
// it reads is exactly the data it replaces; it must not call back into the
// store. When fn fails the entry is left as it was.
func (s *Store) Swap(k key.Key, cfg Config, fn func(old any, ok bool) (any, error)) (Entry, error) {
	s.mu.Lock()
	e := s.getOrCreate(k, cfg)
	data, err := fn(e.Data, e.HasData)
	if err != nil {
		snap := e.Entry
		s.mu.Unlock()
		return snap, err
	}
	s.writeSuccess(e, data)
	ls, snap := e.snapshot()
	s.mu.Unlock()
	emit(ls, snap)
	return snap, nil
}

// Restore puts back previously saved data. has=false restores "no data".
func (s *Store) Restore(k key.Key, data any, has bool) {
	s.mu.Lock()
	e := s.getOrCreate(k, Config{})
	if has {
		e.Data, e.HasData = data, true
		e.Status = StatusSuccess
	} else {
		e.Data, e.HasData = nil, false
		e.Status = StatusPending
	}
	e.Err = nil
	s.scheduleGC(e)
	ls, snap := e.snapshot()
	s.mu.Unlock()
	emit(ls, snap)
}

// Remove evicts k. Observers keep their handles; unsubscribing later is a no-op.
func (s *Store) Remove(k key.Key) bool {
	s.mu.Lock()
	e, ok := s.entries[k.String()]
	if ok {
		s.drop(k.String(), e)
	}
	s.mu.Unlock()
	if ok && s.onEvict != nil {
		s.onEvict(e.Key, ReasonRemoved)
	}
	return ok
}

// IsStale reports staleness; absent keys are stale.
func (s *Store) IsStale(k key.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k.String()]
	if !ok {
		return true
	}
	return e.StaleAt(s.now())
}

// Invalidate marks k stale without touching its data.
func (s *Store) Invalidate(k key.Key) bool {
	s.mu.Lock()
	e, ok := s.entries[k.String()]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.Invalidated = true
	ls, snap := e.snapshot()
	s.mu.Unlock()
	emit(ls, snap)
	return true
}

// BeginFetch marks k as fetching and returns the token CompleteFetch needs.
func (s *Store) BeginFetch(k key.Key, cfg Config) uint64 {
	s.mu.Lock()
	e := s.getOrCreate(k, cfg)
	e.fetching++
	e.FetchStatus = FetchFetching
	tok := e.gen
	ls, snap := e.snapshot()
	s.mu.Unlock()
	emit(ls, snap)
	return tok
}

// CompleteFetch settles a fetch. It returns false, leaving the entry untouched,
// when the fetch was cancelled or the entry was evicted meanwhile.
// A failed fetch keeps the previous data.
func (s *Store) CompleteFetch(k key.Key, token uint64, data any, err error) bool {
	s.mu.Lock()
	e, ok := s.entries[k.String()]
	if !ok || e.gen != token {
		s.mu.Unlock()
		return false
	}
	e.fetching--
	if e.fetching <= 0 {
		e.fetching = 0
		e.FetchStatus = FetchIdle
	}
	if err != nil {
		e.Status = StatusError
		e.Err = err
		s.scheduleGC(e)
	} else {
		s.writeSuccess(e, data)
	}
	ls, snap := e.snapshot()
	s.mu.Unlock()
	emit(ls, snap)
	return true
}

// CancelFetch causes every fetch in flight for k to be ignored on completion.
func (s *Store) CancelFetch(k key.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k.String()]
	if !ok {
		return
	}
	e.gen++
	e.fetching = 0
	e.FetchStatus = FetchIdle
}

// Observer is a subscription handle.
type Observer struct {
	s    *Store
	e    *entry
	id   string
	seq  uint64
	once sync.Once
}

// Key returns the observed key.
func (o *Observer) Key() key.Key { return o.e.Key }

// Unsubscribe detaches the observer; safe to call more than once.
func (o *Observer) Unsubscribe() { o.s.Unsubscribe(o) }

// Subscribe registers an observer for k (fn may be nil). While an entry has
// observers it is never evicted; a pending eviction is cancelled.
func (s *Store) Subscribe(k key.Key, cfg Config, fn Listener) *Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreate(k, cfg)
	e.Observers++
	s.stopGC(e)
	s.seq++
	if fn != nil {
		e.listeners[s.seq] = fn
	}
	return &Observer{s: s, e: e, id: k.String(), seq: s.seq}
}

// Unsubscribe detaches o. When the last observer leaves, the retention
// countdown starts.
func (s *Store) Unsubscribe(o *Observer) {
	if o == nil {
		return
	}
	o.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		e, ok := s.entries[o.id]
		if !ok || e != o.e {
			return
		}
		delete(e.listeners, o.seq)
		e.Observers--
		if e.Observers <= 0 {
			e.Observers = 0
			s.scheduleGC(e)
		}
	})
}

func (s *Store) Keys() []key.Key {
	return s.Match(nil)
}

// Match returns the keys accepted by pred (nil => all).
func (s *Store) Match(pred func(key.Key) bool) []key.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]key.Key, 0, len(s.entries))
	for _, e := range s.entries {
		if pred == nil || pred(e.Key) {
			out = append(out, e.Key)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear evicts every entry and stops all retention timers.
func (s *Store) Clear() {
	s.mu.Lock()
	evicted := make([]key.Key, 0, len(s.entries))
	for id, e := range s.entries {
		s.drop(id, e)
		evicted = append(evicted, e.Key)
	}
	s.mu.Unlock()
	if s.onEvict != nil {
		for _, k := range evicted {
			s.onEvict(k, ReasonCleared)
		}
	}
}

// caller holds s.mu
func (s *Store) getOrCreate(k key.Key, cfg Config) *entry {
	id := k.String()
	if e, ok := s.entries[id]; ok {
		return e
	}
	ret := cfg.RetentionTime
	if ret == 0 {
		ret = s.retention
	}
	e := &entry{
		Entry: Entry{
			Key:           append(key.Key(nil), k...),
			Status:        StatusPending,
			StaleTime:     cfg.StaleTime,
			RetentionTime: ret,
		},
		listeners: make(map[uint64]Listener),
	}
	s.entries[id] = e
	s.scheduleGC(e)
	return e
}

// caller holds s.mu
func (s *Store) writeSuccess(e *entry, data any) {
	e.Data, e.HasData = data, true
	e.Status = StatusSuccess
	e.Err = nil
	e.UpdatedAt = s.now()
	e.Invalidated = false
	s.scheduleGC(e)
}

// caller holds s.mu
func (s *Store) scheduleGC(e *entry) {
	if e.Observers > 0 || e.RetentionTime < 0 {
		return
	}
	s.stopGC(e)
	seq := e.gcSeq
	id := e.Key.String()
	e.gcTimer = time.AfterFunc(e.RetentionTime, func() { s.collect(id, e, seq) })
}

// caller holds s.mu
func (s *Store) stopGC(e *entry) {
	e.gcSeq++
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
}

func (s *Store) collect(id string, e *entry, seq uint64) {
	s.mu.Lock()
	cur, ok := s.entries[id]
	if !ok || cur != e || e.gcSeq != seq || e.Observers > 0 {
		s.mu.Unlock()
		return
	}
	if e.FetchStatus == FetchFetching {
		s.scheduleGC(e)
		s.mu.Unlock()
		return
	}
	s.drop(id, e)
	s.mu.Unlock()
	if s.onEvict != nil {
		s.onEvict(e.Key, ReasonRetention)
	}
}

// caller holds s.mu
func (s *Store) drop(id string, e *entry) {
	s.stopGC(e)
	delete(s.entries, id)
}

// caller holds s.mu
func (e *entry) snapshot() ([]Listener, Entry) {
	if len(e.listeners) == 0 {
		return nil, e.Entry
	}
	ls := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	return ls, e.Entry
}

func emit(ls []Listener, e Entry) {
	for _, l := range ls {
		l(e)
	}
}
