// Package store keeps program images addressed by the SHA-256 of their
// binary encoding, with an optional name index on top.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/stackvm/pkg/bytecode"
)

var log = commonlog.GetLogger("stackvm.store")

// ErrNotFound is returned when no program matches a hash or name.
var ErrNotFound = errors.New("store: program not found")

// Hash is the content address of a program.
type Hash [32]byte

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses the hex form produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return Hash{}, fmt.Errorf("store: malformed hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// HashProgram serializes prog and returns its content address along with
// the image bytes that were hashed.
func HashProgram(prog *bytecode.Program) (Hash, []byte, error) {
	image, err := prog.Serialize()
	if err != nil {
		return Hash{}, nil, fmt.Errorf("store: serializing program: %w", err)
	}
	return sha256.Sum256(image), image, nil
}

// Entry describes one stored program.
type Entry struct {
	Name    string // empty for programs stored without a name
	Hash    Hash
	Size    int // image size in bytes
	Created time.Time
}

// Store is implemented by every program store.
type Store interface {
	// Put stores prog and, when name is not empty, points name at it.
	// Storing the same program twice is a no-op that returns the same hash.
	Put(name string, prog *bytecode.Program) (Hash, error)

	// Get returns a fresh copy of the program with the given hash.
	Get(h Hash) (*bytecode.Program, error)

	// Lookup returns the hash currently bound to name.
	Lookup(name string) (Hash, error)

	// List returns all stored programs, named entries first, sorted by name.
	List() ([]Entry, error)

	Close() error
}

// ---------------------------------------------------------------------------
// Memory: in-process store
// ---------------------------------------------------------------------------

// Memory is a Store held in process memory.
type Memory struct {
	mu      sync.RWMutex
	images  map[Hash][]byte
	created map[Hash]time.Time
	names   map[string]Hash
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		images:  make(map[Hash][]byte),
		created: make(map[Hash]time.Time),
		names:   make(map[string]Hash),
	}
}

func (m *Memory) Put(name string, prog *bytecode.Program) (Hash, error) {
	h, image, err := HashProgram(prog)
	if err != nil {
		return Hash{}, err
	}
	m.mu.Lock()
	if _, ok := m.images[h]; !ok {
		m.images[h] = image
		m.created[h] = time.Now()
	}
	if name != "" {
		m.names[name] = h
	}
	m.mu.Unlock()
	log.Debugf("put %s (%s, %d bytes)", h, name, len(image))
	return h, nil
}

func (m *Memory) Get(h Hash) (*bytecode.Program, error) {
	m.mu.RLock()
	image, ok := m.images[h]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return bytecode.Deserialize(image)
}

func (m *Memory) Lookup(name string) (Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.names[name]
	if !ok {
		return Hash{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return h, nil
}

func (m *Memory) List() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []Entry
	named := make(map[Hash]bool)
	for name, h := range m.names {
		entries = append(entries, Entry{Name: name, Hash: h, Size: len(m.images[h]), Created: m.created[h]})
		named[h] = true
	}
	for h, image := range m.images {
		if !named[h] {
			entries = append(entries, Entry{Hash: h, Size: len(image), Created: m.created[h]})
		}
	}
	sortEntries(entries)
	return entries, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

// sortEntries orders named entries by name, then unnamed ones by hash.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if (a.Name == "") != (b.Name == "") {
			return a.Name != ""
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Hash.String() < b.Hash.String()
	})
}
