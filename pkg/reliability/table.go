package reliability

import (
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cuemby/burrow/pkg/types"
)

// Table is one named map<K,V> mirrored into the store. Reads come from the
// in-memory cache; mutations land in the cache plus the pending add/del
// sets, which Commit flushes into the current arena.
type Table struct {
	name  string
	store *Store

	cache map[string][]byte
	add   map[string][]byte
	del   map[string]struct{}

	// ignore masks writes while recovery replays cached state, so
	// re-publishing db state does not re-fire db writes.
	ignore bool
}

func newTable(name string, store *Store) *Table {
	return &Table{
		name:  name,
		store: store,
		cache: make(map[string][]byte),
		add:   make(map[string][]byte),
		del:   make(map[string]struct{}),
	}
}

// SetIgnore toggles the replay write mask.
func (t *Table) SetIgnore(ignore bool) { t.ignore = ignore }

// Insert stores value under key. Under the cache-all policy the mutation
// is committed through to disk immediately; under the buffer policy it
// waits for the next Commit.
func (t *Table) Insert(key string, value interface{}) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return types.WrapError(types.ErrStore, "encoding "+t.name+"/"+key, err)
	}
	t.cache[key] = raw
	if t.ignore {
		return nil
	}
	t.add[key] = raw
	delete(t.del, key)
	if t.store.policy == PolicyCacheAll {
		return t.store.Commit()
	}
	return nil
}

// Remove deletes key.
func (t *Table) Remove(key string) error {
	delete(t.cache, key)
	if t.ignore {
		return nil
	}
	delete(t.add, key)
	t.del[key] = struct{}{}
	if t.store.policy == PolicyCacheAll {
		return t.store.Commit()
	}
	return nil
}

// Get decodes the cached value for key into out.
func (t *Table) Get(key string, out interface{}) (bool, error) {
	raw, ok := t.cache[key]
	if !ok {
		return false, nil
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return false, types.WrapError(types.ErrStore, "decoding "+t.name+"/"+key, err)
	}
	return true, nil
}

// Keys returns every cached key, sorted.
func (t *Table) Keys() []string {
	out := make([]string, 0, len(t.cache))
	for k := range t.cache {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of cached entries.
func (t *Table) Len() int { return len(t.cache) }

// Clear empties the cache and schedules deletion of every persisted key.
func (t *Table) Clear() error {
	for k := range t.cache {
		if err := t.Remove(k); err != nil {
			return err
		}
	}
	return nil
}
