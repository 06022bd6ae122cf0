package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// AssetKey identifies one downloadable asset.
type AssetKey struct {
	Code string
	URL  string
}

func (k AssetKey) String() string {
	return k.Code + "|" + k.URL
}

// DownloadTask is a queued asset download.
type DownloadTask struct {
	Code      string
	URL       string
	TargetDir string

	// Priority is advisory; the queue keeps arrival order.
	Priority int
}

// QueueKey implements Keyed.
func (t DownloadTask) QueueKey() AssetKey {
	return AssetKey{Code: t.Code, URL: t.URL}
}

// AssetState is the download state of one asset.
type AssetState string

const (
	AssetNone        AssetState = "none"
	AssetDownloading AssetState = "downloading"
	AssetReady       AssetState = "ready"
	AssetError       AssetState = "error"
)

// AssetRecord is what the index keeps per asset.
type AssetRecord struct {
	State     AssetState `json:"state"`
	Path      string     `json:"path,omitempty"`
	Size      int64      `json:"size,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AssetIndex records download state in a leveldb database so a restarted
// processor does not fetch ready assets again.
type AssetIndex struct {
	db    *leveldb.DB
	mutex sync.RWMutex
}

// OpenAssetIndex opens or creates the index at path.
func OpenAssetIndex(path string) (*AssetIndex, error) {
	opts := &opt.Options{
		WriteBuffer: 1 * 1024 * 1024, // 1MB
	}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open asset index: %w", err)
	}
	return &AssetIndex{db: db}, nil
}

// Close closes the underlying database.
func (x *AssetIndex) Close() error {
	return x.db.Close()
}

// Get returns the record for key. A missing asset has state AssetNone.
func (x *AssetIndex) Get(key AssetKey) (AssetRecord, error) {
	x.mutex.RLock()
	defer x.mutex.RUnlock()

	data, err := x.db.Get([]byte(key.String()), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return AssetRecord{State: AssetNone}, nil
	}
	if err != nil {
		return AssetRecord{}, err
	}
	var rec AssetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return AssetRecord{}, fmt.Errorf("decode asset record %s: %w", key, err)
	}
	return rec, nil
}

// Put stores the record for key.
func (x *AssetIndex) Put(key AssetKey, rec AssetRecord) error {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode asset record: %w", err)
	}
	return x.db.Put([]byte(key.String()), data, nil)
}

// ResetInFlight forgets downloads left unfinished by a previous run and
// returns how many it dropped.
func (x *AssetIndex) ResetInFlight() (int, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	iter := x.db.NewIterator(util.BytesPrefix(nil), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		var rec AssetRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.State == AssetDownloading {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	return batch.Len(), x.db.Write(batch, nil)
}
