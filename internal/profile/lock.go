package profile

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyedLock 는 id 별 직렬화를 위한 sharded mutex 다.
// 서로 다른 id 가 같은 shard 를 공유할 수 있지만, 같은 id 는 항상 같은 shard 를 쓴다.
type keyedLock struct {
	shards [lockShards]sync.Mutex
}

func (l *keyedLock) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.shards[h.Sum32()%lockShards]
	mu.Lock()
	return mu.Unlock
}
