package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	entryPrefix = []byte("e:")
	metaPrefix  = []byte("m:")
)

// diskMeta is persisted next to every blob. Seq orders entries by last use;
// it only grows, so equal recency cannot happen and insertion order breaks
// what would otherwise be ties.
type diskMeta struct {
	Size int64
	Seq  uint64
}

type diskTouch struct {
	key string
	seq uint64
}

// diskTier stores raw payloads in LevelDB, bounded by their byte size.
// Writes happen under mu so the index and the database never disagree;
// recency updates are persisted in the background.
type diskTier struct {
	maxBytes int64

	db *leveldb.DB

	mu      sync.Mutex
	lru     *lruList[diskMeta]
	seq     uint64
	closed  bool
	touches chan diskTouch
	done    chan struct{}

	log zerolog.Logger
}

func newDiskTier(path string, maxBytes int64, l zerolog.Logger) (*diskTier, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open disk cache %s: %w", path, err)
	}
	d := &diskTier{
		maxBytes: maxBytes,
		db:       db,
		lru:      newLRUList[diskMeta](),
		touches:  make(chan diskTouch, 1024),
		done:     make(chan struct{}),
		log:      l,
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	// A smaller limit than last run takes effect right away.
	d.mu.Lock()
	d.evictLocked("")
	d.mu.Unlock()

	go d.writerLoop()
	return d, nil
}

func (d *diskTier) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	type indexed struct {
		key  string
		meta diskMeta
	}
	var items []indexed
	var broken []string
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			broken = append(broken, key)
			continue
		}
		items = append(items, indexed{key: key, meta: meta})
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load disk index: %w", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].meta.Seq > items[j].meta.Seq })
	for _, item := range items {
		if ok, err := d.db.Has(entryKey(item.key), nil); err != nil || !ok {
			broken = append(broken, item.key)
			continue
		}
		d.lru.pushBack(item.key, item.meta, item.meta.Size)
		if item.meta.Seq > d.seq {
			d.seq = item.meta.Seq
		}
	}
	for _, key := range broken {
		d.deleteBlob(key)
	}
	if len(broken) > 0 {
		d.log.Warn().Int("count", len(broken)).Msg("Dropped broken disk cache entries")
	}
	return nil
}

func (d *diskTier) close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.touches)
	d.mu.Unlock()

	<-d.done
	return d.db.Close()
}

// Get returns the stored bytes for key and marks it as recently used.
func (d *diskTier) Get(key string) ([]byte, bool) {
	d.mu.Lock()
	it, ok := d.lru.peek(key)
	if !ok || d.closed {
		d.mu.Unlock()
		return nil, false
	}
	d.seq++
	it.val.Seq = d.seq
	d.lru.touch(it)
	touch := diskTouch{key: key, seq: d.seq}
	select {
	case d.touches <- touch:
	default:
		// recency is best effort on disk; the in-memory order is exact
	}
	d.mu.Unlock()

	b, err := d.db.Get(entryKey(key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			d.log.Warn().Err(err).Str("key", key).Msg("Disk cache read failed")
		}
		return nil, false
	}
	return b, true
}

// Put persists b under key, synchronously, then evicts least recently used
// entries until the tier fits. Payloads larger than the tier are refused.
func (d *diskTier) Put(key string, b []byte) error {
	size := int64(len(b))
	if d.maxBytes <= 0 || size > d.maxBytes {
		return ErrTooLarge
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	d.seq++
	meta := diskMeta{Size: size, Seq: d.seq}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(entryKey(key), b)
	batch.Put(metaKey(key), mb)
	if err := d.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write disk cache: %w", err)
	}
	d.lru.set(key, meta, size)
	d.evictLocked(key)
	return nil
}

func (d *diskTier) Delete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.lru.remove(key)
	d.deleteBlob(key)
}

// DeleteIfSame removes key only while it still holds old. It reports
// whether the entry was removed.
func (d *diskTier) DeleteIfSame(key string, old []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if _, ok := d.lru.peek(key); !ok {
		return false
	}
	cur, err := d.db.Get(entryKey(key), nil)
	if err != nil || !bytes.Equal(cur, old) {
		return false
	}
	d.lru.remove(key)
	d.deleteBlob(key)
	return true
}

func (d *diskTier) Has(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.lru.peek(key)
	return ok
}

func (d *diskTier) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.total
}

func (d *diskTier) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.len()
}

func (d *diskTier) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.keys()
}

// evictLocked drops least recently used entries, never keep, until the tier
// fits.
func (d *diskTier) evictLocked(keep string) {
	for d.lru.total > d.maxBytes {
		old := d.lru.oldest()
		if old == nil || old.key == keep {
			return
		}
		d.lru.remove(old.key)
		d.deleteBlob(old.key)
		d.log.Trace().Str("key", old.key).Int64("size", old.size).Msg("Disk cache eviction")
	}
}

func (d *diskTier) deleteBlob(key string) {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(key))
	batch.Delete(metaKey(key))
	if err := d.db.Write(batch, nil); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("Disk cache delete failed")
	}
}

func (d *diskTier) writerLoop() {
	defer close(d.done)
	for t := range d.touches {
		d.applyTouch(t)
	}
}

func (d *diskTier) applyTouch(t diskTouch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.lru.peek(t.key)
	if !ok || it.val.Seq != t.seq {
		// deleted, replaced or touched again since
		return
	}
	mb, err := encodeGob(it.val)
	if err != nil {
		return
	}
	if err := d.db.Put(metaKey(t.key), mb, nil); err != nil {
		d.log.Debug().Err(err).Str("key", t.key).Msg("Disk cache touch failed")
	}
}

func entryKey(key string) []byte { return append(append([]byte(nil), entryPrefix...), key...) }
func metaKey(key string) []byte  { return append(append([]byte(nil), metaPrefix...), key...) }

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
