package flow

import "sync"

// KeyedMutex serializes work per conversation key so concurrent webhook
// deliveries (and follow-up sweeps) for the same customer cannot interleave
// read-modify-write cycles on the same record.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key and returns the release function. Entries
// are removed once the last holder releases, so the map stays bounded by
// the number of in-flight keys.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// ConversationKey builds the serialization key for a (customer, business
// number) pair.
func ConversationKey(customerPhone, businessNumberID string) string {
	return customerPhone + "|" + businessNumberID
}
