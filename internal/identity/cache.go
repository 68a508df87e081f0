package identity

import (
	"container/list"
	"sync"
	"time"

	"mitm-monitor/internal/model"
)

// cache
// ------------------------------------------------------------
// 주소 → Identity 해석 결과 캐시. (nil Identity = negative entry)
//
//   - TTL 이 지난 엔트리는 조회 시점에 지운다.
//   - 엔트리 수가 max 를 넘으면 만료 엔트리를 먼저 지우고,
//     그래도 넘으면 오래 들어온 순서(insertion order)대로 지운다.
//
// container/list 로 삽입 순서를 유지한다. 같은 key 를 다시 넣으면 맨 뒤로 간다.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	order   *list.List
	entries map[string]*list.Element
}

type entry struct {
	key   string
	ident *model.Identity
	at    time.Time
}

func newCache(ttl time.Duration, max int, now func() time.Time) *cache {
	return &cache{
		ttl:     ttl,
		max:     max,
		now:     now,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// get 은 fresh 엔트리가 있으면 (ident, true) 를 돌려준다. ident 는 nil 일 수 있다.
func (c *cache) get(key string) (*model.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.at) >= c.ttl {
		c.remove(el)
		return nil, false
	}
	return e.ident, true
}

func (c *cache) set(key string, ident *model.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, ident: ident, at: c.now()})

	if len(c.entries) > c.max {
		c.prune()
	}
}

// prune 은 mu 를 잡은 상태에서 호출한다.
func (c *cache) prune() {
	now := c.now()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.Sub(el.Value.(*entry).at) >= c.ttl {
			c.remove(el)
		}
		el = next
	}
	for len(c.entries) > c.max {
		c.remove(c.order.Front())
	}
}

func (c *cache) remove(el *list.Element) {
	delete(c.entries, el.Value.(*entry).key)
	c.order.Remove(el)
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
