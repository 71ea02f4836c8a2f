package ivr

import "sync"

// KeyCollector accumulates the characters a caller types during one
// digit-entry round. All mutation goes through a single mutex so that a
// drain never loses or duplicates a concurrently appended key: each key
// lands either in the current drain or in the next one, exactly once.
//
// One collector exists per call session and is reused across rounds; it
// is cleared by DrainAndClear at the end of each round, not per call.
type KeyCollector struct {
	mu   sync.Mutex
	keys []byte
}

// NewKeyCollector creates an empty collector.
func NewKeyCollector() *KeyCollector {
	return &KeyCollector{keys: make([]byte, 0, 32)}
}

// Append adds one key in arrival order.
func (k *KeyCollector) Append(key byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, key)
}

// DrainAndClear returns the buffered keys in arrival order and empties
// the buffer. The returned slice is owned by the caller.
func (k *KeyCollector) DrainAndClear() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()

	drained := k.keys
	k.keys = make([]byte, 0, 32)
	return drained
}

// Len returns the number of buffered keys.
func (k *KeyCollector) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
