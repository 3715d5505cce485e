package utils

import (
	"sync"
)

// OptionalMutex serializes heap mutations when UseMutex is set. Embedders that
// already serialize their callers can switch it off and skip the lock overhead.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
