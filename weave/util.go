package weave

import (
	"crypto/sha1"
	"hash"
	"hash/fnv"
	"io"
	"log"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const ErrorLogPrefix = "!! "

var discardLogger = log.New(io.Discard, "", 0)

// ErrGroupLimitCPU returns an errgroup limited to NumCPU.
func ErrGroupLimitCPU() *errgroup.Group {
	errGroup := &errgroup.Group{}
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup
}

func limitStringLines(s string, count int, head bool) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= count {
		return s
	} else if head {
		lines = lines[:count]
	} else {
		lines = lines[len(lines)-count:]
	}
	return strings.Join(lines, "\n")
}

func newDefaultStripedMutex() *stripedMutex {
	return newStripedMutex(251) // prime number provides better distributions
}

// newStripedMutex creates a new mutex with the given concurrency.
func newStripedMutex(stripes uint) *stripedMutex {
	m := &stripedMutex{
		make([]*sync.Mutex, stripes),
		&sync.Pool{New: func() interface{} { return fnv.New64() }},
	}
	for i := range m.locks {
		m.locks[i] = &sync.Mutex{}
	}
	return m
}

type stripedMutex struct {
	locks []*sync.Mutex
	pool  *sync.Pool
}

// Lock acquire lock for a given key, returning the mutex for an easy unlock.
func (m *stripedMutex) Lock(key string) *sync.Mutex {
	l := m.getLock(key)
	l.Lock()
	return l
}

func (m *stripedMutex) getLock(key string) *sync.Mutex {
	h := m.pool.Get().(hash.Hash64)
	defer m.pool.Put(h)
	h.Reset()
	_, _ = h.Write([]byte(key))
	return m.locks[h.Sum64()%uint64(len(m.locks))]
}

// stringKey provides a minimum string to be used for internal logic as a key. The string is NOT valid UTF-8, expected
// to only be used for internal comparisons and never provided externally.
func stringKey(str string) string {
	if len(str) <= sha1.Size {
		return str
	}
	return bytesKey([]byte(str))
}

// bytesKey provides a minimum string to be used for internal logic as a key.
func bytesKey(b []byte) string {
	if len(b) <= sha1.Size {
		return string(b)
	}
	sha := sha1.Sum(b)
	return string(sha[:])
}
