package memtrace

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// FunctionLocation identifies a source-level function by its (file,
// function) pair. It is interned once per distinct pair and never freed
// for the life of the process.
type FunctionLocation struct {
	FilePath     string
	FunctionName string
}

// uninternedFunctionID is reserved to mean "uninterned".
const uninternedFunctionID uint64 = 0

// functionInterner maps (file, function) pairs to a stable integer id.
//
// Concurrent first-sight registrations of the same pair are coalesced with
// singleflight rather than racing two map inserts: this is the Go
// equivalent of the atomic compare-and-swap a native implementation would
// need around the interning map, grounded in the same library Orizon pulls
// in for its own work deduplication.
type functionInterner struct {
	mu      sync.RWMutex
	byPair  map[FunctionLocation]uint64
	byID    []FunctionLocation // index i holds the location for id i+1
	group   singleflight.Group
	nextSeq uint64
}

func newFunctionInterner() *functionInterner {
	return &functionInterner{
		byPair: make(map[FunctionLocation]uint64),
	}
}

// Intern returns the stable function_id for loc, registering it on first
// sight. The returned id is always >= 1.
func (fi *functionInterner) Intern(loc FunctionLocation) uint64 {
	fi.mu.RLock()
	if id, ok := fi.byPair[loc]; ok {
		fi.mu.RUnlock()
		return id
	}
	fi.mu.RUnlock()

	key := loc.FilePath + "\x00" + loc.FunctionName
	v, _, _ := fi.group.Do(key, func() (any, error) {
		fi.mu.Lock()
		defer fi.mu.Unlock()
		if id, ok := fi.byPair[loc]; ok {
			return id, nil
		}
		fi.nextSeq++
		id := fi.nextSeq
		fi.byPair[loc] = id
		fi.byID = append(fi.byID, loc)
		return id, nil
	})
	return v.(uint64)
}

// Lookup returns the FunctionLocation registered for id, and whether it was
// found.
func (fi *functionInterner) Lookup(id uint64) (FunctionLocation, bool) {
	if id == uninternedFunctionID {
		return FunctionLocation{}, false
	}
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	if id > uint64(len(fi.byID)) {
		return FunctionLocation{}, false
	}
	return fi.byID[id-1], true
}
