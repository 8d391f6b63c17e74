// Package keylock provides mutual exclusion scoped to a string key.
package keylock

import "github.com/moby/locker"

// KeyLock hands out one mutex per key. moby/locker drops a key's mutex once
// nobody holds or waits on it.
type KeyLock struct {
	l *locker.Locker
}

func New() *KeyLock {
	return &KeyLock{l: locker.New()}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *KeyLock) Lock(key string) func() {
	k.l.Lock(key)
	return func() {
		_ = k.l.Unlock(key)
	}
}
