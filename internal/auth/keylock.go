package auth

import "sync"

const lockStripes = 64

// keyedMutex serializes work per user id over a fixed set of stripes.
type keyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyedMutex) Lock(id int64) func() {
	m := &k.stripes[uint64(id)%lockStripes]
	m.Lock()
	return m.Unlock
}
