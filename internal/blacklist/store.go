// Package blacklist holds the set of library file names whose loading is denied.
package blacklist

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode/utf16"
	"unsafe"

	"github.com/agentsh/loadguard/internal/names"
)

// MatchMode selects how file names are compared.
type MatchMode int

const (
	// MatchExact compares file names byte for byte.
	MatchExact MatchMode = iota
	// MatchFold compares file names ignoring ASCII case, as the Windows
	// loader does.
	MatchFold
)

func (m MatchMode) String() string {
	switch m {
	case MatchFold:
		return "fold"
	default:
		return "exact"
	}
}

// ParseMatchMode parses "exact" or "fold". The empty string means exact.
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exact":
		return MatchExact, nil
	case "fold":
		return MatchFold, nil
	default:
		return MatchExact, fmt.Errorf("unknown match mode %q", s)
	}
}

// nameSet is immutable once published. Both encodings live in the same
// value so a reader can never see one updated without the other.
type nameSet struct {
	narrow map[string]struct{}
	wide   map[string]struct{}
	sorted []string
}

var emptySet = &nameSet{
	narrow: map[string]struct{}{},
	wide:   map[string]struct{}{},
}

// Store is a thread-safe set of blacklisted file names.
//
// Lookups take the read lock only and never allocate, so they are safe to
// run from loader trampolines on arbitrary threads. Replace builds the new
// set before taking the write lock; the write lock is held only for the
// pointer swap.
type Store struct {
	mode MatchMode

	writeMu sync.Mutex
	mu      sync.RWMutex
	set     *nameSet
}

// NewStore creates an empty store.
func NewStore(mode MatchMode) *Store {
	return &Store{mode: mode, set: emptySet}
}

// Mode returns the store's match mode.
func (s *Store) Mode() MatchMode {
	return s.mode
}

// Replace discards the current contents and stores the file name of each
// entry. Entries that reduce to an empty file name are ignored, as are names
// longer than names.MaxFileName in fold mode. It returns the number of
// distinct names stored.
func (s *Store) Replace(list []string) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.build(list)

	s.mu.Lock()
	s.set = next
	s.mu.Unlock()

	return len(next.sorted)
}

// Clear empties the store.
func (s *Store) Clear() {
	s.Replace(nil)
}

func (s *Store) build(list []string) *nameSet {
	set := &nameSet{
		narrow: make(map[string]struct{}, len(list)),
		wide:   make(map[string]struct{}, len(list)),
	}
	for _, entry := range list {
		name := names.FileName(entry)
		if name == "" {
			continue
		}
		wide := utf16.Encode([]rune(name))
		if s.mode == MatchFold {
			if len(name) > names.MaxFileName || len(wide) > names.MaxFileName {
				continue
			}
			name = names.FoldString(name)
			wide = utf16.Encode([]rune(name))
		}
		if _, dup := set.narrow[name]; dup {
			continue
		}
		set.narrow[name] = struct{}{}
		set.wide[names.WideKey(wide)] = struct{}{}
		set.sorted = append(set.sorted, name)
	}
	slices.Sort(set.sorted)
	return set
}

// Contains reports whether the file name of name is blacklisted.
func (s *Store) Contains(name string) bool {
	return s.ContainsBytes(unsafe.Slice(unsafe.StringData(name), len(name)))
}

// ContainsBytes reports whether the file name of an 8-bit library reference
// is blacklisted.
func (s *Store) ContainsBytes(name []byte) bool {
	name = names.FileNameBytes(name)
	if len(name) == 0 {
		return false
	}
	if s.mode == MatchFold {
		var buf [names.MaxFileName]byte
		folded, ok := names.FoldBytes(&buf, name)
		if !ok {
			return false
		}
		name = folded
	}

	s.mu.RLock()
	_, ok := s.set.narrow[string(name)]
	s.mu.RUnlock()
	return ok
}

// ContainsWide reports whether the file name of a 16-bit library reference
// is blacklisted.
func (s *Store) ContainsWide(name []uint16) bool {
	name = names.FileNameWide(name)
	if len(name) == 0 {
		return false
	}
	if s.mode == MatchFold {
		var buf [names.MaxFileName]uint16
		folded, ok := names.FoldWide(&buf, name)
		if !ok {
			return false
		}
		name = folded
	}

	s.mu.RLock()
	_, ok := s.set.wide[names.WideKey(name)]
	s.mu.RUnlock()
	return ok
}

// Len returns the number of blacklisted names.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.set.sorted)
}

// Names returns the blacklisted names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.set.sorted)
}
