package trace

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Archive persists forensic logs in LevelDB so traces of past runs can be
// pulled back for offline analysis. Keys are run/<id>/<seq BE64>.
// Thread-safe: LevelDB handles its own synchronization.
type Archive struct {
	db *leveldb.DB
}

// OpenArchive opens or creates a trace archive at the given path.
// If path is empty, uses in-memory storage.
func OpenArchive(path string) (*Archive, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace archive at %s: %w", path, err)
	}
	return &Archive{db: db}, nil
}

func runKey(runID string, seq uint64) []byte {
	key := make([]byte, 0, len("run/")+len(runID)+1+8)
	key = append(key, "run/"...)
	key = append(key, runID...)
	key = append(key, '/')
	var seqb [8]byte
	binary.BigEndian.PutUint64(seqb[:], seq)
	return append(key, seqb[:]...)
}

// SaveRun writes every event of a run in one batch.
func (a *Archive) SaveRun(runID string, events []Event) error {
	batch := new(leveldb.Batch)
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
		}
		batch.Put(runKey(runID, ev.Seq), data)
	}
	return a.db.Write(batch, nil)
}

// LoadRun returns the archived events of a run in sequence order.
func (a *Archive) LoadRun(runID string) ([]Event, error) {
	prefix := []byte("run/" + runID + "/")
	iter := a.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []Event
	for iter.Next() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return out, fmt.Errorf("unmarshal %x: %w", iter.Key(), err)
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

// DeleteRun removes an archived run.
func (a *Archive) DeleteRun(runID string) error {
	prefix := []byte("run/" + runID + "/")
	iter := a.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return a.db.Write(batch, nil)
}

func (a *Archive) Close() error {
	return a.db.Close()
}
