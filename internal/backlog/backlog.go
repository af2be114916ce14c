package backlog

import (
	"container/list"

	"github.com/twmb/murmur3"
)

// Backlog remembers digests of the most recently seen payloads. Once the
// backlog is full, the oldest digest is evicted. It is not safe for
// concurrent use.
type Backlog struct {
	maxSize int
	list    *list.List // uint64
	index   map[uint64]*list.Element
}

func New(maxSize int) *Backlog {
	if maxSize <= 0 {
		panic("backlog: size must be positive")
	}

	return &Backlog{
		maxSize: maxSize,
		list:    list.New(),
		index:   make(map[uint64]*list.Element),
	}
}

// Digest returns the key under which the payload is stored.
func Digest(payload []byte) uint64 {
	return murmur3.Sum64(payload)
}

// Add records the payload and reports whether it was seen for the first time.
func (bl *Backlog) Add(payload []byte) bool {
	key := Digest(payload)

	if _, ok := bl.index[key]; ok {
		return false
	}

	bl.index[key] = bl.list.PushFront(key)

	if bl.list.Len() > bl.maxSize {
		el := bl.list.Back()
		bl.list.Remove(el)
		delete(bl.index, el.Value.(uint64))
	}

	return true
}

func (bl *Backlog) Len() int {
	return bl.list.Len()
}
