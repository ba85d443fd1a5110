package storage

// Copyable values are deep-copied when a store is copied.
type Copyable interface {
	Copy() Copyable
}

// KVStore is the generic storage backing the role-local share tables.
type KVStore interface {
	Get(key string) (interface{}, bool)
	Put(key string, value interface{}) error
	Del(key string) error
	For(func(key string, value interface{}) error) error
	Len() int
	Copy() KVStore
}

// BasicKV is an in-memory KVStore. Callers synchronize access.
type BasicKV struct {
	store map[string]interface{}
}

func NewBasicKV() *BasicKV {
	return &BasicKV{
		store: make(map[string]interface{}),
	}
}

func (kv *BasicKV) Get(key string) (interface{}, bool) {
	value, ok := kv.store[key]
	return value, ok
}

func (kv *BasicKV) Put(key string, value interface{}) error {
	kv.store[key] = value
	return nil
}

func (kv *BasicKV) Del(key string) error {
	delete(kv.store, key)
	return nil
}

func (kv *BasicKV) For(action func(key string, value interface{}) error) error {
	for k, v := range kv.store {
		err := action(k, v)
		if err != nil {
			return err
		}
	}
	return nil
}

func (kv *BasicKV) Len() int {
	return len(kv.store)
}

func (kv *BasicKV) Copy() KVStore {
	cp := NewBasicKV()
	for k, v := range kv.store {
		switch vv := v.(type) {
		case Copyable:
			cp.Put(k, vv.Copy())
		default:
			cp.Put(k, v)
		}
	}
	return cp
}
