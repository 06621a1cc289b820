package utils

import (
	"sync"
)

// OptionalMutex is a mutex that only locks when UseMutex is set, so that externally synchronized arenas
// pay nothing for locking
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
