// Package filestore implements the Power Mode store contract on a single
// shared JSON state file guarded by an advisory lock file. It is the
// fallback backend for single-machine sessions when no remote store is
// reachable; subscribers poll the file at a bounded interval, so delivery
// latency is at most twice the poll interval.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"goa.design/powermode/store"
)

const (
	// StateDirName is the directory under the project root holding the state
	// and lock files.
	StateDirName = ".popkit"
	// StateFileName is the shared JSON state document.
	StateFileName = "power-mode-state.json"
	// LockFileName is the advisory lock file.
	LockFileName = "power-mode-state.lock"

	// DefaultLockTimeout bounds lock acquisition before ErrStoreBusy.
	DefaultLockTimeout = 5 * time.Second
	// DefaultPollInterval is the subscriber polling cadence.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxMessagesPerChannel is the per-channel ring buffer size.
	DefaultMaxMessagesPerChannel = 100

	// staleLockAge is the age past which an orphaned lock file may be
	// reclaimed.
	staleLockAge = 60 * time.Second
	// messageRetention is how long messages survive before cleanup discards
	// them.
	messageRetention = 24 * time.Hour
	// lockRetryInterval is the sleep between lock acquisition attempts.
	lockRetryInterval = 10 * time.Millisecond
)

type (
	// Options configures the file store.
	Options struct {
		// Dir is the project root. State lives under Dir/.popkit/. Required.
		Dir string
		// LockTimeout bounds lock acquisition. Defaults to 5s.
		LockTimeout time.Duration
		// PollInterval is the subscriber polling cadence. Defaults to 100ms.
		PollInterval time.Duration
		// MaxMessagesPerChannel bounds the per-channel ring. Defaults to 100.
		MaxMessagesPerChannel int
		// Now overrides the clock, primarily for tests.
		Now func() time.Time
	}

	// Store implements store.Backend over a shared JSON file.
	Store struct {
		statePath string
		lockPath  string
		lockWait  time.Duration
		poll      time.Duration
		maxPerCh  int
		now       func() time.Time
	}

	messageEntry struct {
		Data string    `json:"data"`
		TS   time.Time `json:"ts"`
		Seq  uint64    `json:"seq"`
	}

	keyEntry struct {
		Value     string     `json:"value"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}

	// stateDoc is the on-disk document. The streams section supplements the
	// message channels with append-only streams for the activity ledger.
	stateDoc struct {
		Messages      map[string][]messageEntry    `json:"messages"`
		Keys          map[string]keyEntry          `json:"keys"`
		Hashes        map[string]map[string]string `json:"hashes"`
		Lists         map[string][]string          `json:"lists"`
		Streams       map[string][]messageEntry    `json:"streams,omitempty"`
		Subscriptions map[string][]string          `json:"subscriptions"`
		ReadPositions map[string]map[string]uint64 `json:"read_positions"`
		LastUpdated   time.Time                    `json:"last_updated"`
	}
)

// New constructs a file store rooted at opts.Dir, creating the state
// directory if needed.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("state directory is required")
	}
	dir := filepath.Join(opts.Dir, StateDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		statePath: filepath.Join(dir, StateFileName),
		lockPath:  filepath.Join(dir, LockFileName),
		lockWait:  opts.LockTimeout,
		poll:      opts.PollInterval,
		maxPerCh:  opts.MaxMessagesPerChannel,
		now:       opts.Now,
	}
	if s.lockWait <= 0 {
		s.lockWait = DefaultLockTimeout
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	if s.maxPerCh <= 0 {
		s.maxPerCh = DefaultMaxMessagesPerChannel
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Publish appends the payload to the channel ring under the file lock,
// trimming the ring and discarding messages past the retention window.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return fmt.Errorf("%w: empty channel", store.ErrInvalidKey)
	}
	return s.update(ctx, func(doc *stateDoc) error {
		now := s.now()
		var seq uint64
		msgs := doc.Messages[channel]
		if n := len(msgs); n > 0 {
			seq = msgs[n-1].Seq
		}
		if pos, ok := highestRecordedSeq(doc, channel); ok && pos > seq {
			// The ring may have been trimmed past a cursor; keep seqs
			// monotonic relative to every recorded read position.
			seq = pos
		}
		msgs = append(msgs, messageEntry{Data: string(payload), TS: now, Seq: seq + 1})
		msgs = cleanup(msgs, now.Add(-messageRetention))
		if len(msgs) > s.maxPerCh {
			msgs = msgs[len(msgs)-s.maxPerCh:]
		}
		doc.Messages[channel] = msgs
		return nil
	})
}

// Set stores a value with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", store.ErrInvalidKey)
	}
	return s.update(ctx, func(doc *stateDoc) error {
		e := keyEntry{Value: string(value)}
		if ttl > 0 {
			exp := s.now().Add(ttl)
			e.ExpiresAt = &exp
		}
		doc.Keys[key] = e
		return nil
	})
}

// Get returns the value under key. Expiry is lazy: an expired entry is
// deleted on read and nil returned. A read that expires nothing leaves the
// state file untouched.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.withLock(ctx, func(doc *stateDoc) (bool, error) {
		e, ok := doc.Keys[key]
		if !ok {
			return false, nil
		}
		if e.ExpiresAt != nil && !e.ExpiresAt.After(s.now()) {
			delete(doc.Keys, key)
			return true, nil
		}
		out = []byte(e.Value)
		return false, nil
	})
	return out, err
}

// CAS swaps the value under key if it equals expected. A nil expected means
// the key must be absent (or expired); a nil value deletes the key.
func (s *Store) CAS(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: empty key", store.ErrInvalidKey)
	}
	var swapped bool
	err := s.update(ctx, func(doc *stateDoc) error {
		cur, ok := doc.Keys[key]
		if ok && cur.ExpiresAt != nil && !cur.ExpiresAt.After(s.now()) {
			delete(doc.Keys, key)
			ok = false
		}
		switch {
		case expected == nil:
			if ok {
				return nil
			}
		default:
			if !ok || cur.Value != string(expected) {
				return nil
			}
		}
		if value == nil {
			delete(doc.Keys, key)
			swapped = true
			return nil
		}
		e := keyEntry{Value: string(value)}
		if ttl > 0 {
			exp := s.now().Add(ttl)
			e.ExpiresAt = &exp
		}
		doc.Keys[key] = e
		swapped = true
		return nil
	})
	return swapped, err
}

// HSet writes a hash field.
func (s *Store) HSet(ctx context.Context, name, field string, value []byte) error {
	if name == "" || field == "" {
		return fmt.Errorf("%w: empty hash name or field", store.ErrInvalidKey)
	}
	return s.update(ctx, func(doc *stateDoc) error {
		h, ok := doc.Hashes[name]
		if !ok {
			h = make(map[string]string)
			doc.Hashes[name] = h
		}
		h[field] = string(value)
		return nil
	})
}

// HGet reads a hash field.
func (s *Store) HGet(ctx context.Context, name, field string) ([]byte, error) {
	var out []byte
	err := s.read(ctx, func(doc *stateDoc) error {
		if v, ok := doc.Hashes[name][field]; ok {
			out = []byte(v)
		}
		return nil
	})
	return out, err
}

// HGetAll reads every field of a hash.
func (s *Store) HGetAll(ctx context.Context, name string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.read(ctx, func(doc *stateDoc) error {
		for f, v := range doc.Hashes[name] {
			out[f] = []byte(v)
		}
		return nil
	})
	return out, err
}

// LPush prepends values to a list.
func (s *Store) LPush(ctx context.Context, name string, values ...[]byte) error {
	if name == "" {
		return fmt.Errorf("%w: empty list name", store.ErrInvalidKey)
	}
	return s.update(ctx, func(doc *stateDoc) error {
		l := doc.Lists[name]
		for _, v := range values {
			l = append([]string{string(v)}, l...)
		}
		doc.Lists[name] = l
		return nil
	})
}

// RPop removes and returns the last element of a list. Popping an empty
// list is a pure read and does not rewrite the state file.
func (s *Store) RPop(ctx context.Context, name string) ([]byte, error) {
	var out []byte
	err := s.withLock(ctx, func(doc *stateDoc) (bool, error) {
		l := doc.Lists[name]
		if len(l) == 0 {
			return false, nil
		}
		out = []byte(l[len(l)-1])
		doc.Lists[name] = l[:len(l)-1]
		return true, nil
	})
	return out, err
}

// LRange returns list elements [start, stop] with Redis index semantics.
func (s *Store) LRange(ctx context.Context, name string, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := s.read(ctx, func(doc *stateDoc) error {
		l := doc.Lists[name]
		n := int64(len(l))
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 {
			start = 0
		}
		if stop >= n {
			stop = n - 1
		}
		if n == 0 || start > stop || start >= n {
			return nil
		}
		for _, v := range l[start : stop+1] {
			out = append(out, []byte(v))
		}
		return nil
	})
	return out, err
}

// XAdd appends an entry to an append-only stream and returns its ID.
func (s *Store) XAdd(ctx context.Context, stream string, payload []byte) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("%w: empty stream name", store.ErrInvalidKey)
	}
	var id string
	err := s.update(ctx, func(doc *stateDoc) error {
		if doc.Streams == nil {
			doc.Streams = make(map[string][]messageEntry)
		}
		entries := doc.Streams[stream]
		var seq uint64
		if n := len(entries); n > 0 {
			seq = entries[n-1].Seq
		}
		seq++
		doc.Streams[stream] = append(entries, messageEntry{Data: string(payload), TS: s.now(), Seq: seq})
		id = formatSeq(seq)
		return nil
	})
	return id, err
}

// XRange returns stream entries with IDs in [from, to].
func (s *Store) XRange(ctx context.Context, stream, from, to string) ([]store.Entry, error) {
	lo, hi, err := parseRange(from, to)
	if err != nil {
		return nil, err
	}
	var out []store.Entry
	err = s.read(ctx, func(doc *stateDoc) error {
		for _, e := range doc.Streams[stream] {
			if e.Seq < lo || e.Seq > hi {
				continue
			}
			out = append(out, store.Entry{ID: formatSeq(e.Seq), Payload: []byte(e.Data)})
		}
		return nil
	})
	return out, err
}

// Ping verifies that the state file can be locked and read.
func (s *Store) Ping(ctx context.Context) error {
	return s.read(ctx, func(*stateDoc) error { return nil })
}

// Close is a no-op; subscriptions own their polling goroutines.
func (s *Store) Close(ctx context.Context) error { return nil }

// update runs fn against the state document under the file lock and persists
// the result.
func (s *Store) update(ctx context.Context, fn func(*stateDoc) error) error {
	return s.withLock(ctx, func(doc *stateDoc) (bool, error) {
		if err := fn(doc); err != nil {
			return false, err
		}
		return true, nil
	})
}

// read runs fn against the state document under the file lock without
// persisting.
func (s *Store) read(ctx context.Context, fn func(*stateDoc) error) error {
	return s.withLock(ctx, func(doc *stateDoc) (bool, error) {
		if err := fn(doc); err != nil {
			return false, err
		}
		return false, nil
	})
}

func (s *Store) withLock(ctx context.Context, fn func(*stateDoc) (save bool, err error)) error {
	if err := s.acquireLock(ctx); err != nil {
		return err
	}
	defer s.releaseLock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	save, err := fn(doc)
	if err != nil {
		return err
	}
	if !save {
		return nil
	}
	doc.LastUpdated = s.now()
	return s.save(doc)
}

// acquireLock creates the lock file exclusively, reclaiming locks older than
// staleLockAge, and gives up with ErrStoreBusy after the configured timeout.
func (s *Store) acquireLock(ctx context.Context) error {
	deadline := s.now().Add(s.lockWait)
	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock file: %w", err)
		}
		if fi, statErr := os.Stat(s.lockPath); statErr == nil && s.now().Sub(fi.ModTime()) > staleLockAge {
			// Orphaned lock from a dead process; reclaim it.
			_ = os.Remove(s.lockPath)
			continue
		}
		if s.now().After(deadline) {
			return fmt.Errorf("lock %s: %w", s.lockPath, store.ErrStoreBusy)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (s *Store) releaseLock() {
	_ = os.Remove(s.lockPath)
}

// load reads and parses the state document. A corrupt file is renamed aside
// and ErrStoreReset raised; the next call starts from a fresh document.
func (s *Store) load() (*stateDoc, error) {
	b, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return newStateDoc(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var doc stateDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%d", s.statePath, s.now().Unix())
		_ = os.Rename(s.statePath, quarantine)
		return nil, fmt.Errorf("quarantined corrupt state file to %s: %w", quarantine, store.ErrStoreReset)
	}
	normalize(&doc)
	return &doc, nil
}

func (s *Store) save(doc *stateDoc) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func newStateDoc() *stateDoc {
	return &stateDoc{
		Messages:      make(map[string][]messageEntry),
		Keys:          make(map[string]keyEntry),
		Hashes:        make(map[string]map[string]string),
		Lists:         make(map[string][]string),
		Subscriptions: make(map[string][]string),
		ReadPositions: make(map[string]map[string]uint64),
	}
}

func normalize(doc *stateDoc) {
	if doc.Messages == nil {
		doc.Messages = make(map[string][]messageEntry)
	}
	if doc.Keys == nil {
		doc.Keys = make(map[string]keyEntry)
	}
	if doc.Hashes == nil {
		doc.Hashes = make(map[string]map[string]string)
	}
	if doc.Lists == nil {
		doc.Lists = make(map[string][]string)
	}
	if doc.Subscriptions == nil {
		doc.Subscriptions = make(map[string][]string)
	}
	if doc.ReadPositions == nil {
		doc.ReadPositions = make(map[string]map[string]uint64)
	}
}

// cleanup drops entries older than the cutoff, preserving order.
func cleanup(msgs []messageEntry, cutoff time.Time) []messageEntry {
	i := 0
	for i < len(msgs) && msgs[i].TS.Before(cutoff) {
		i++
	}
	return msgs[i:]
}

// highestRecordedSeq returns the highest read position recorded for channel
// across all clients.
func highestRecordedSeq(doc *stateDoc, channel string) (uint64, bool) {
	var best uint64
	var found bool
	for _, chans := range doc.ReadPositions {
		if pos, ok := chans[channel]; ok && pos > best {
			best, found = pos, true
		}
	}
	return best, found
}

func formatSeq(seq uint64) string { return strconv.FormatUint(seq, 10) }

func parseRange(from, to string) (uint64, uint64, error) {
	lo := uint64(0)
	hi := uint64(1<<64 - 1)
	if from != "" && from != "-" {
		v, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: bad range start %q", store.ErrInvalidKey, from)
		}
		lo = v
	}
	if to != "" && to != "+" {
		v, err := strconv.ParseUint(to, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: bad range end %q", store.ErrInvalidKey, to)
		}
		hi = v
	}
	return lo, hi, nil
}
