package store

import (
	"hash/fnv"
	"sync"
)

const numKeyShards = 128

// keyLock provides per-clientID locking using a fixed number of sharded
// mutexes, so registerClientAndKickExistingOne for one client does not
// contend with unrelated clients' takeovers.
type keyLock struct {
	shards [numKeyShards]sync.Mutex
}

func (kl *keyLock) Lock(key string) {
	kl.shards[kl.index(key)].Lock()
}

func (kl *keyLock) Unlock(key string) {
	kl.shards[kl.index(key)].Unlock()
}

func (kl *keyLock) index(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % numKeyShards
}
