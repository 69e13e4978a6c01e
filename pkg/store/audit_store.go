// Package store persists security events. AuditStore is an append-only,
// hash-chained log whose entries also carry an HMAC under a key derived
// with HKDF, so a rewritten log cannot be re-chained without the secret.
// SQLiteEventStore keeps the same events queryable by user and recency.
package store

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/permengine/pkg/canonicalize"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

const genesis = "genesis"

var (
	ErrChainBroken = errors.New("hash chain is broken")
	ErrBadMAC      = errors.New("entry MAC mismatch")
	ErrWeakSecret  = errors.New("audit secret must be at least 32 bytes")
)

// Entry is one immutable link in the audit chain.
type Entry struct {
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	EventID      string          `json:"event_id"`
	UserID       string          `json:"user_id"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
	MAC          string          `json:"mac"`
}

// Event decodes the stored SecurityEvent.
func (e *Entry) Event() (contracts.SecurityEvent, error) {
	var ev contracts.SecurityEvent
	err := json.Unmarshal(e.Payload, &ev)
	return ev, err
}

// DeriveMACKey expands an operator secret into the chain MAC key.
func DeriveMACKey(secret []byte) ([]byte, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte("permengine/audit"), []byte("chain-mac-v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive mac key: %w", err)
	}
	return key, nil
}

// AuditStore is an append-only audit log with hash chaining.
type AuditStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	sequence uint64
	head     string
	key      []byte
	clock    func() time.Time
	w        io.Writer
}

// NewAuditStore creates an empty in-memory chain keyed by key.
func NewAuditStore(key []byte) *AuditStore {
	return &AuditStore{
		head:  genesis,
		key:   append([]byte(nil), key...),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *AuditStore) WithClock(clock func() time.Time) *AuditStore {
	s.clock = clock
	return s
}

// WithWriter mirrors every appended entry to w as one JSON line.
func (s *AuditStore) WithWriter(w io.Writer) *AuditStore {
	s.w = w
	return s
}

// LoadAuditChain reads and verifies a JSON-lines chain into a store that
// keeps further appends in memory.
func LoadAuditChain(r io.Reader, key []byte) (*AuditStore, error) {
	entries, err := ReadEntries(r)
	if err != nil {
		return nil, err
	}
	if err := VerifyEntries(entries, key); err != nil {
		return nil, err
	}
	s := NewAuditStore(key)
	s.entries = entries
	if n := len(entries); n > 0 {
		s.sequence = entries[n-1].Sequence
		s.head = entries[n-1].EntryHash
	}
	return s, nil
}

// OpenAuditFile loads and verifies the chain in path, then appends new
// entries to the same file. A missing file starts a new chain.
func OpenAuditFile(path string, key []byte) (*AuditStore, io.Closer, error) {
	s := NewAuditStore(key)
	if f, err := os.Open(path); err == nil { //nolint:gosec // operator-supplied path
		s, err = LoadAuditChain(f, key)
		_ = f.Close()
		if err != nil {
			return nil, nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, nil, fmt.Errorf("open audit file: %w", err)
	}
	s.w = f
	return s, f, nil
}

// Append links ev to the chain.
func (s *AuditStore) Append(ev *contracts.SecurityEvent) (*Entry, error) {
	payload, err := canonicalize.JCS(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry{
		Sequence:     s.sequence + 1,
		Timestamp:    s.clock().UTC(),
		EventID:      ev.ID,
		UserID:       ev.UserID,
		Payload:      payload,
		PayloadHash:  "sha256:" + canonicalize.HashBytes(payload),
		PreviousHash: s.head,
	}
	if entry.EntryHash, err = entryHash(entry); err != nil {
		return nil, err
	}
	entry.MAC = mac(s.key, entry.EntryHash)

	if s.w != nil {
		// Payload bytes must stay byte-identical to what was hashed.
		enc := json.NewEncoder(s.w)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(entry); err != nil {
			return nil, fmt.Errorf("persist audit entry: %w", err)
		}
	}

	s.sequence = entry.Sequence
	s.head = entry.EntryHash
	s.entries = append(s.entries, entry)
	return entry, nil
}

func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		EventID      string    `json:"event_id"`
		UserID       string    `json:"user_id"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.EventID, e.UserID, e.PayloadHash, e.PreviousHash}
	h, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to compute entry hash: %w", err)
	}
	return h, nil
}

func mac(key []byte, entryHash string) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(entryHash))
	return hex.EncodeToString(m.Sum(nil))
}

// Head returns the current chain head hash.
func (s *AuditStore) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Size returns the number of entries in the store.
func (s *AuditStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a copy of the entry list.
func (s *AuditStore) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Entry(nil), s.entries...)
}

// Verify checks every link and MAC of the chain.
func (s *AuditStore) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return VerifyEntries(s.entries, s.key)
}

// Query returns matching events, newest first.
func (s *AuditStore) Query(_ context.Context, f Filter) ([]contracts.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []contracts.SecurityEvent
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		ev, err := e.Event()
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", e.Sequence, err)
		}
		if !f.matchesTime(ev.Timestamp) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// VerifyEntries checks sequence continuity, hash links, entry hashes and
// MACs of a chain read from storage.
func VerifyEntries(entries []*Entry, key []byte) error {
	prev := genesis
	for i, e := range entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i, e.Sequence)
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, e.Sequence, e.PreviousHash, prev)
		}
		if got := "sha256:" + canonicalize.HashBytes(e.Payload); got != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, e.Sequence)
		}
		computed, err := entryHash(e)
		if err != nil {
			return err
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.Sequence, computed, e.EntryHash)
		}
		want, err := hex.DecodeString(mac(key, e.EntryHash))
		if err != nil {
			return err
		}
		got, err := hex.DecodeString(e.MAC)
		if err != nil || !hmac.Equal(want, got) {
			return fmt.Errorf("%w: entry %d", ErrBadMAC, e.Sequence)
		}
		prev = e.EntryHash
	}
	return nil
}

// ReadEntries decodes a JSON-lines audit file.
func ReadEntries(r io.Reader) ([]*Entry, error) {
	var out []*Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit line %d: %w", line, err)
		}
		out = append(out, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Filter selects events for queries and exports. Zero fields match all.
type Filter struct {
	UserID string
	Since  time.Time
	Until  time.Time
	// Limit keeps only the newest Limit matches.
	Limit int
}

func (f Filter) matchesTime(t time.Time) bool {
	if !f.Since.IsZero() && t.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.After(f.Until) {
		return false
	}
	return true
}

// Chronological reorders a newest-first query result oldest first.
func Chronological(events []contracts.SecurityEvent) []contracts.SecurityEvent {
	out := append([]contracts.SecurityEvent(nil), events...)
	slices.Reverse(out)
	return out
}
