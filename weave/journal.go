package weave

import (
	"crypto/sha1"
	"fmt"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
	"github.com/mtraver/base91"
	"github.com/vmihailenco/msgpack/v5"
)

// MethodDiff describes how a single method body changed during a rewrite.
type MethodDiff struct {
	Method  string `json:"method"`
	Added   bool   `json:"added,omitempty"`
	Removed bool   `json:"removed,omitempty"`
	Diff    string `json:"diff,omitempty"`
}

const maxDiffLines = 400

type journalEntry struct {
	Method  string `msgpack:"m"`
	Listing string `msgpack:"l"`
}

// Journal keeps the disassembly of every method body as it was before a rewrite, so the applied changes can be
// reported afterwards. Entries are grouped by a scope, usually the input the module was read from.
type Journal struct {
	store Storage
	locks *stripedMutex
}

// NewJournal creates a journal persisting into the storage.
func NewJournal(store Storage) *Journal {
	return &Journal{store: store, locks: newDefaultStripedMutex()}
}

func methodKey(name string) string {
	sha := sha1.Sum([]byte(name))
	return base91.StdEncoding.EncodeToString(sha[:])
}

// walkMethods invokes fn for every method of the types and their nested types, in declaration order.
func walkMethods(types []*Type, fn func(t *Type, m *Method) error) error {
	for _, t := range types {
		for _, m := range t.Methods {
			if err := fn(t, m); err != nil {
				return err
			}
		}
		if err := walkMethods(t.NestedTypes, fn); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot records every method body of the module, replacing any prior snapshot in the scope. The number of
// recorded bodies is returned.
func (j *Journal) Snapshot(scope string, m *Module) (int, error) {
	defer j.locks.Lock(scope).Unlock()

	store := KeyPrefixStorage(j.store, scope)
	if err := store.DropPrefix(""); err != nil {
		return 0, fmt.Errorf("clear journal %s: %w", scope, err)
	}
	var count int
	err := walkMethods(m.Types, func(_ *Type, method *Method) error {
		if method.Body == nil {
			return nil
		}
		count++
		return j.save(store, journalEntry{Method: method.FullName(), Listing: Disassemble(method.Body)})
	})
	return count, err
}

func (j *Journal) save(store Storage, entry journalEntry) error {
	raw, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode journal entry %s: %w", entry.Method, err)
	}
	return store.Put(methodKey(entry.Method), SnappyCompress(nil, raw))
}

func (j *Journal) load(store Storage, key string) (journalEntry, bool, error) {
	var entry journalEntry
	blob, ok, err := store.Get(key)
	if err != nil || !ok {
		return entry, false, err
	}
	raw, err := SnappyDecompress(nil, blob)
	if err != nil {
		return entry, false, fmt.Errorf("decompress journal entry: %w", err)
	} else if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return entry, false, fmt.Errorf("decode journal entry: %w", err)
	}
	return entry, true, nil
}

// Changes compares the module against its snapshot and returns the changed, added and removed bodies sorted by
// method name. Unified diffs of the disassembly are included when withDiff is set.
func (j *Journal) Changes(scope string, m *Module, withDiff bool) ([]MethodDiff, error) {
	defer j.locks.Lock(scope).Unlock()

	store := KeyPrefixStorage(j.store, scope)
	keys, err := store.Keys("")
	if err != nil {
		return nil, fmt.Errorf("list journal %s: %w", scope, err)
	}
	remaining := bulk.SliceToSet(keys)

	var diffs []MethodDiff
	err = walkMethods(m.Types, func(_ *Type, method *Method) error {
		if method.Body == nil {
			return nil
		}
		name := method.FullName()
		key := methodKey(name)
		delete(remaining, key)
		listing := Disassemble(method.Body)
		entry, found, err := j.load(store, key)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		} else if found && entry.Listing == listing {
			return nil
		}
		diff := MethodDiff{Method: name, Added: !found}
		if withDiff {
			diff.Diff = limitStringLines(unifiedDiff(entry.Listing, listing), maxDiffLines, true)
		}
		diffs = append(diffs, diff)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for key := range remaining {
		entry, found, err := j.load(store, key)
		if err != nil {
			return nil, err
		} else if !found {
			continue
		}
		diff := MethodDiff{Method: entry.Method, Removed: true}
		if withDiff {
			diff.Diff = limitStringLines(unifiedDiff(entry.Listing, ""), maxDiffLines, true)
		}
		diffs = append(diffs, diff)
	}
	slices.SortFunc(diffs, func(a, b MethodDiff) int {
		return strings.Compare(a.Method, b.Method)
	})
	return diffs, nil
}

// Discard removes the snapshot of the scope.
func (j *Journal) Discard(scope string) error {
	defer j.locks.Lock(scope).Unlock()

	return KeyPrefixStorage(j.store, scope).DropPrefix("")
}
