package pipeline

import "sync"

// keyedMutex serializes work per document ID within one process. A document
// held by an in-flight pass is skipped by later passes instead of queued, so
// two goroutines can never interleave stage transitions for the same record.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]bool
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{held: make(map[string]bool)}
}

func (k *keyedMutex) tryAcquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.held[key] {
		return false
	}
	k.held[key] = true
	return true
}

func (k *keyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, key)
}
