// Package archive implements the Archive (C8): a durable key/value store
// of ArchiveEntry records with lineage and subtree queries feeding the
// Supervisor's promotion decisions and operator audit tooling.
//
// Grounded on omni/internal/storage/badger.go's badger.DB wrapper and
// prefix-iterator pattern (it.Seek(prefix); it.ValidForPrefix(prefix)).
// Entries are msgpack-encoded, matching omni's own record encoding,
// rather than JSON.
package archive

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is one archived record: {id, parent_id, payload, score,
// created_ts}.
type Entry struct {
	ID        string         `msgpack:"id"`
	ParentID  string         `msgpack:"parent_id"`
	Payload   map[string]any `msgpack:"payload"`
	Score     float64        `msgpack:"score"`
	CreatedTS float64        `msgpack:"created_ts"`
}

// Archive wraps a badger.DB keyed entry:<id>, with secondary indices
// idx:parent:<parent_id>:<id> and idx:ts:<unix-nano>:<id>.
type Archive struct {
	db  *badger.DB
	log zerolog.Logger

	OnRoot func(root string)
}

// Open opens (creating if absent) the badger database at dir.
func Open(dir string, log zerolog.Logger) (*Archive, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{log: log}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Archive{db: db, log: log.With().Str("component", "archive").Logger()}, nil
}

// badgerLogger routes badger's internal logging through zerolog, the
// same pattern omni/internal/storage/badger.go uses to quiet badger's
// default stdout logger.
type badgerLogger struct{ log zerolog.Logger }

func (b *badgerLogger) Errorf(format string, args ...interface{})   { b.log.Error().Msgf(format, args...) }
func (b *badgerLogger) Warningf(format string, args ...interface{}) { b.log.Warn().Msgf(format, args...) }
func (b *badgerLogger) Infof(format string, args ...interface{})    {}
func (b *badgerLogger) Debugf(format string, args ...interface{})   {}

// Close releases the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Add inserts payload under a fresh id, indexing it by the parent id
// carried in payload["parent"] (if any) and by creation time. It
// satisfies the patch.Recorder interface the admission pipeline writes
// through.
func (a *Archive) Add(payload map[string]any, score float64) (string, error) {
	id := uuid.NewString()
	parent, _ := payload["parent"].(string)
	now := float64(time.Now().UnixNano()) / 1e9

	entry := Entry{ID: id, ParentID: parent, Payload: payload, Score: score, CreatedTS: now}
	encoded, err := msgpack.Marshal(&entry)
	if err != nil {
		return "", fmt.Errorf("encode archive entry: %w", err)
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(id), encoded); err != nil {
			return err
		}
		if err := txn.Set(parentIndexKey(parent, id), nil); err != nil {
			return err
		}
		return txn.Set(tsIndexKey(now, id), nil)
	})
	if err != nil {
		return "", fmt.Errorf("write archive entry: %w", err)
	}
	return id, nil
}

// Get fetches a single entry by id.
func (a *Archive) Get(id string) (*Entry, error) {
	var entry Entry
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &entry)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("archive entry %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// children returns the direct children of parentID, in no particular
// order, via the idx:parent: prefix scan.
func (a *Archive) children(parentID string) ([]string, error) {
	var ids []string
	prefix := parentIndexPrefix(parentID)
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

// GetLineage returns the chain of entries from the root ancestor down to
// id, root-first.
func (a *Archive) GetLineage(id string) ([]Entry, error) {
	var chain []Entry
	current := id
	for current != "" {
		entry, err := a.Get(current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *entry)
		current = entry.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GetSubtree returns every descendant of rootID plus rootID itself,
// ordered root-first (breadth-first).
func (a *Archive) GetSubtree(rootID string) ([]Entry, error) {
	root, err := a.Get(rootID)
	if err != nil {
		return nil, err
	}
	out := []Entry{*root}
	queue := []string{rootID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		childIDs, err := a.children(parent)
		if err != nil {
			return nil, err
		}
		sort.Strings(childIDs)
		for _, childID := range childIDs {
			child, err := a.Get(childID)
			if err != nil {
				return nil, err
			}
			out = append(out, *child)
			queue = append(queue, childID)
		}
	}
	return out, nil
}

// MerkleRoot computes a root over every entry's content hash, ordered by
// created_ts, using the same binary-tree / duplicate-last-odd-node rule
// the Ledger uses so an operator comparing the two roots sees consistent
// behavior at the boundary (odd leaf count).
func (a *Archive) MerkleRoot() (string, error) {
	var leaves [][32]byte
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte("idx:ts:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := idFromTSIndexKey(item.Key())
			entryItem, err := txn.Get(entryKey(id))
			if err != nil {
				return err
			}
			err = entryItem.Value(func(val []byte) error {
				leaves = append(leaves, sha256.Sum256(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", merkleRoot(leaves)), nil
}

func merkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return sha256.Sum256(nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

func hashPair(a, b [32]byte) [32]byte {
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func entryKey(id string) []byte {
	return []byte("entry:" + id)
}

func parentIndexPrefix(parentID string) []byte {
	return []byte("idx:parent:" + parentID + ":")
}

func parentIndexKey(parentID, id string) []byte {
	return append(parentIndexPrefix(parentID), []byte(id)...)
}

func tsIndexKey(ts float64, id string) []byte {
	return []byte(fmt.Sprintf("idx:ts:%020d:%s", int64(ts*1e9), id))
}

func idFromTSIndexKey(key []byte) string {
	// "idx:ts:" (7) + 20-digit timestamp + ":" (1) precedes the id.
	const prefixLen = len("idx:ts:") + 20 + 1
	if len(key) <= prefixLen {
		return ""
	}
	return string(key[prefixLen:])
}
