package inference

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// Descriptor is the announced shape of one shared model.
type Descriptor struct {
	ModelID  string
	Layers   int
	Features int
	Classes  int
}

func (d Descriptor) validate() error {
	if d.ModelID == "" {
		return xerrors.New("descriptor needs a model id")
	}
	if d.Layers < 1 {
		return xerrors.Errorf("model %s announces %d layers", d.ModelID, d.Layers)
	}
	if d.Features < 1 {
		return xerrors.Errorf("model %s announces %d features", d.ModelID, d.Features)
	}
	if d.Classes < 2 {
		return xerrors.Errorf("model %s announces %d classes", d.ModelID, d.Classes)
	}
	return nil
}

// NewCatalog returns an empty model catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		models:  make(map[string]Descriptor),
		waiters: make(map[string][]chan Descriptor),
	}
}

// Catalog tracks the model descriptors announced by the teachers. Descriptors
// are immutable once filed; a re-announcement must match.
type Catalog struct {
	sync.Mutex
	models  map[string]Descriptor
	waiters map[string][]chan Descriptor
}

// Put files a descriptor, waking any waiters. Re-announcing the same shape is
// a no-op; announcing a different one for a known id is rejected.
func (c *Catalog) Put(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()

	if prev, ok := c.models[d.ModelID]; ok {
		if prev != d {
			return xerrors.Errorf("model %s re-announced with a different shape", d.ModelID)
		}
		return nil
	}
	c.models[d.ModelID] = d

	for _, ch := range c.waiters[d.ModelID] {
		ch <- d
	}
	delete(c.waiters, d.ModelID)
	return nil
}

// Get returns the descriptor of a model if announced.
func (c *Catalog) Get(id string) (Descriptor, bool) {
	c.Lock()
	defer c.Unlock()
	d, ok := c.models[id]
	return d, ok
}

// Await blocks until the model is announced or the timeout passes.
func (c *Catalog) Await(ctx context.Context, id string, timeout time.Duration) (Descriptor, error) {
	c.Lock()
	if d, ok := c.models[id]; ok {
		c.Unlock()
		return d, nil
	}
	ch := make(chan Descriptor, 1)
	c.waiters[id] = append(c.waiters[id], ch)
	c.Unlock()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return Descriptor{}, ctx.Err()
	case <-time.After(timeout):
		return Descriptor{}, xerrors.Errorf("model %s was not announced within %v", id, timeout)
	}
}

// AwaitCount blocks until at least n models are announced and returns their
// descriptors sorted by id.
func (c *Catalog) AwaitCount(ctx context.Context, n int, timeout time.Duration) ([]Descriptor, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.Lock()
		if len(c.models) >= n {
			ids := make([]string, 0, len(c.models))
			for id := range c.models {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			out := make([]Descriptor, len(ids))
			for i, id := range ids {
				out[i] = c.models[id]
			}
			c.Unlock()
			return out, nil
		}
		got := len(c.models)
		c.Unlock()

		if time.Now().After(deadline) {
			return nil, xerrors.Errorf("only %d of %d models announced within %v", got, n, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// IDs returns the announced model ids, sorted.
func (c *Catalog) IDs() []string {
	c.Lock()
	defer c.Unlock()
	out := make([]string, 0, len(c.models))
	for id := range c.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
