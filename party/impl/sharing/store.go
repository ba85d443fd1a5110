package sharing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/storage"
	"golang.org/x/xerrors"
)

// NewStore returns the share table of one role.
func NewStore(role party.Role) *Store {
	return &Store{
		role:    role,
		kv:      storage.NewBasicKV(),
		waiters: make(map[string][]chan *TensorShare),
	}
}

// Store is a role-local table of tensor shares indexed by tag. Deals arrive
// asynchronously from the message layer; Await blocks until the tagged share
// is present. Re-delivery of a tag overwrites, which keeps retries
// idempotent.
type Store struct {
	sync.Mutex

	role    party.Role
	kv      storage.KVStore
	waiters map[string][]chan *TensorShare
}

// Put stores a share under its tag and wakes any waiters.
func (st *Store) Put(share *TensorShare) error {
	if share.Owner != st.role {
		return xerrors.Errorf("share owned by %s put into the %s store", share.Owner, st.role)
	}

	st.Lock()
	defer st.Unlock()

	err := st.kv.Put(share.Tag, share)
	if err != nil {
		return err
	}
	for _, w := range st.waiters[share.Tag] {
		w <- share
	}
	delete(st.waiters, share.Tag)
	return nil
}

// Get returns the share stored under the tag.
func (st *Store) Get(tag string) (*TensorShare, bool) {
	st.Lock()
	defer st.Unlock()

	v, ok := st.kv.Get(tag)
	if !ok {
		return nil, false
	}
	return v.(*TensorShare), true
}

// Await blocks until a share with the tag arrives, the context is cancelled
// or the timeout expires.
func (st *Store) Await(ctx context.Context, tag string, timeout time.Duration) (*TensorShare, error) {
	st.Lock()
	if v, ok := st.kv.Get(tag); ok {
		st.Unlock()
		return v.(*TensorShare), nil
	}
	w := make(chan *TensorShare, 1)
	st.waiters[tag] = append(st.waiters[tag], w)
	st.Unlock()

	select {
	case share := <-w:
		return share, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, xerrors.Errorf("no share tagged %s after %v: %w", tag, timeout, ErrIncompleteShares)
	}
}

// DropPrefix removes every share whose tag starts with the prefix and
// returns how many were dropped. Used to discard the partial state of an
// aborted batch.
func (st *Store) DropPrefix(prefix string) int {
	st.Lock()
	defer st.Unlock()

	var keys []string
	st.kv.For(func(k string, v interface{}) error {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
		return nil
	})
	for _, k := range keys {
		st.kv.Del(k)
	}
	return len(keys)
}

// Len returns the number of stored shares.
func (st *Store) Len() int {
	st.Lock()
	defer st.Unlock()

	return st.kv.Len()
}
