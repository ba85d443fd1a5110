package mpc

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

const slotCapacity = 4

// mailbox parks protocol payloads until the evaluator step waiting on them
// runs. Keys are operation ids, unique per protocol instance, so duplicate
// deliveries beyond the slot capacity can be discarded.
type mailbox struct {
	sync.Mutex
	slots map[string]chan interface{}
}

func newMailbox() *mailbox {
	return &mailbox{
		slots: make(map[string]chan interface{}),
	}
}

func (mb *mailbox) slot(key string) chan interface{} {
	mb.Lock()
	defer mb.Unlock()

	s, ok := mb.slots[key]
	if !ok {
		s = make(chan interface{}, slotCapacity)
		mb.slots[key] = s
	}
	return s
}

func (mb *mailbox) deposit(key string, v interface{}) {
	select {
	case mb.slot(key) <- v:
	default:
		// slot full, redundant redelivery
	}
}

func (mb *mailbox) await(ctx context.Context, key string, timeout time.Duration) (interface{}, error) {
	select {
	case v := <-mb.slot(key):
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, xerrors.Errorf("nothing arrived for %s within %v", key, timeout)
	}
}

// dropPrefix purges every slot whose key starts with the prefix.
func (mb *mailbox) dropPrefix(prefix string) {
	mb.Lock()
	defer mb.Unlock()

	for key := range mb.slots {
		if strings.HasPrefix(key, prefix) {
			delete(mb.slots, key)
		}
	}
}
