package reliability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	storeDirName = "reliability.mdb"
	dataFileName = "data.mdb"
	flagFileName = "bflag"
)

// WritePolicy selects how table mutations reach disk.
type WritePolicy int

const (
	// PolicyCacheAll writes every mutation through to the arena at once.
	PolicyCacheAll WritePolicy = iota
	// PolicyBuffer batches mutations in the add/del sets until Commit;
	// used around bulk operations to avoid repeated db writes.
	PolicyBuffer
)

// Store is the crash-safe persistence substrate: every mutable core
// structure mirrors itself into named tables backed by one of two
// alternating on-disk arenas.
type Store struct {
	dir    string // .../reliability.mdb
	db     *bolt.DB
	enable bool
	policy WritePolicy

	tables   map[string]*Table
	stations []stationEntry

	lastIgnore bool

	log zerolog.Logger
}

// Open creates or reopens the store under baseDir. The current arena is
// named by the bflag file: present means b, absent means a.
func Open(baseDir string) (*Store, error) {
	s := &Store{
		dir:    filepath.Join(baseDir, storeDirName),
		enable: true,
		policy: PolicyCacheAll,
		tables: make(map[string]*Table),
		log:    log.WithComponent("reliability"),
	}
	for _, d := range []string{s.dir, filepath.Join(s.dir, "a"), filepath.Join(s.dir, "b")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, types.WrapError(types.ErrIo, "creating "+d, err)
		}
	}
	if err := s.openArena(); err != nil {
		return nil, err
	}
	if err := s.importAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) currentArena() string {
	if _, err := os.Stat(filepath.Join(s.dir, flagFileName)); err == nil {
		return "b"
	}
	return "a"
}

func (s *Store) openArena() error {
	path := filepath.Join(s.dir, s.currentArena(), dataFileName)
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return types.WrapError(types.ErrStore, "opening arena "+path, err)
	}
	s.db = db
	return nil
}

// importAll loads every persisted bucket into its table cache.
func (s *Store) importAll() error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			t := s.Table(string(name))
			return b.ForEach(func(k, v []byte) error {
				raw := make([]byte, len(v))
				copy(raw, v)
				t.cache[string(k)] = raw
				return nil
			})
		})
	})
}

// Table returns the named table, registering it on first use.
func (s *Store) Table(name string) *Table {
	t, ok := s.tables[name]
	if !ok {
		t = newTable(name, s)
		t.ignore = s.lastIgnore
		s.tables[name] = t
	}
	return t
}

// SetEnable toggles the whole recovery substrate; when disabled Recover
// does nothing.
func (s *Store) SetEnable(enable bool) { s.enable = enable }

// Enabled reports the recovery switch.
func (s *Store) Enabled() bool { return s.enable }

// SetPolicy switches the write policy. Leaving buffer mode flushes.
func (s *Store) SetPolicy(p WritePolicy) error {
	old := s.policy
	s.policy = p
	if old == PolicyBuffer && p == PolicyCacheAll {
		return s.Commit()
	}
	return nil
}

// SetIgnoreAll toggles the replay write mask on every table.
func (s *Store) SetIgnoreAll(ignore bool) {
	for _, t := range s.tables {
		t.SetIgnore(ignore)
	}
	s.lastIgnore = ignore
}

// Commit flushes all pending add/del sets inside one write transaction.
func (s *Store) Commit() error {
	dirty := false
	for _, t := range s.tables {
		if len(t.add) > 0 || len(t.del) > 0 {
			dirty = true
			break
		}
	}
	if !dirty {
		return nil
	}
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			t := s.tables[name]
			if len(t.add) == 0 && len(t.del) == 0 {
				continue
			}
			b, err := tx.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return err
			}
			for k, v := range t.add {
				if err := b.Put([]byte(k), v); err != nil {
					return err
				}
			}
			for k := range t.del {
				if err := b.Delete([]byte(k)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return types.WrapError(types.ErrStore, "committing tables", err)
	}
	for _, t := range s.tables {
		t.add = make(map[string][]byte)
		t.del = make(map[string]struct{})
	}
	return nil
}

// Compact copies the live arena into the other one, atomically flips the
// flag file and deletes the previous arena.
func (s *Store) Compact() error {
	if err := s.Commit(); err != nil {
		return err
	}
	cur := s.currentArena()
	next := "a"
	if cur == "a" {
		next = "b"
	}
	curPath := filepath.Join(s.dir, cur, dataFileName)
	nextDir := filepath.Join(s.dir, next)
	nextPath := filepath.Join(nextDir, dataFileName)

	if err := s.db.Close(); err != nil {
		return types.WrapError(types.ErrStore, "closing arena", err)
	}
	if err := os.RemoveAll(nextDir); err != nil {
		return types.WrapError(types.ErrIo, "clearing arena "+nextDir, err)
	}
	if err := os.MkdirAll(nextDir, 0700); err != nil {
		return types.WrapError(types.ErrIo, "creating arena "+nextDir, err)
	}
	if err := copyFile(curPath, nextPath); err != nil {
		return err
	}

	flag := filepath.Join(s.dir, flagFileName)
	if next == "b" {
		if err := renameio.WriteFile(flag, []byte("b\n"), 0600); err != nil {
			return types.WrapError(types.ErrIo, "flipping arena flag", err)
		}
	} else {
		if err := os.Remove(flag); err != nil && !os.IsNotExist(err) {
			return types.WrapError(types.ErrIo, "flipping arena flag", err)
		}
	}

	if err := os.Remove(curPath); err != nil && !os.IsNotExist(err) {
		return types.WrapError(types.ErrIo, "removing old arena", err)
	}
	return s.openArena()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return types.WrapError(types.ErrIo, "opening "+src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return types.WrapError(types.ErrIo, "creating "+dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return types.WrapError(types.ErrIo, fmt.Sprintf("copying %s to %s", src, dst), err)
	}
	return out.Sync()
}

// DataClear drops every table's cached and persisted content. Used by the
// debug surface and by tests; the reload path keeps the db and replays the
// cached tables through Recover.
func (s *Store) DataClear() error {
	for _, t := range s.tables {
		if err := t.Clear(); err != nil {
			return err
		}
	}
	return s.Commit()
}

// Close commits and closes the store.
func (s *Store) Close() error {
	if err := s.Commit(); err != nil {
		return err
	}
	return s.db.Close()
}
