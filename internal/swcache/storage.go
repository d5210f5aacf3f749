package swcache

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb key layout:
//
//	g:<generation>                generationMeta
//	e:<generation>\x00<cache key>  encoded CacheEntry
//	m:<generation>\x00<cache key>  diskMeta
//	r:active                      version of the controlling worker
const (
	prefixGeneration = "g:"
	prefixEntry      = "e:"
	prefixMeta       = "m:"
	keyActiveVersion = "r:active"
	keySep           = "\x00"
)

var ErrNotFound = errors.New("not found")

type StorageOptions struct {
	RAMMax        int64
	DiskMax       int64 // 0 = unlimited
	CompressAbove int64
	// Evictable selects generations whose entries may be dropped when the
	// disk budget is exceeded. Nil means nothing is ever evicted.
	Evictable func(generation string) bool
	Logger    *logrus.Entry
}

type generationMeta struct {
	Name      string
	CreatedAt int64
	Seq       uint64
}

// diskMeta.Tick is a logical access clock; higher means more recently used.
// Version is the tick of the write that produced the stored value.
type diskMeta struct {
	Size    int64
	Tick    uint64
	Version uint64
}

type generationIndex struct {
	meta    generationMeta
	entries map[string]diskMeta
}

// CacheStorage is the repository of named cache generations. All access to
// cached responses goes through it so version bookkeeping can't be bypassed.
type CacheStorage struct {
	opts StorageOptions
	db   *leveldb.DB
	ram  *ramCache
	log  *logrus.Entry

	overflowLog *rateLimitedLogger

	mu        sync.Mutex
	gens      map[string]*generationIndex
	seq       uint64
	tick      uint64
	totalSize int64
}

func OpenCacheStorage(path string, opts StorageOptions) (*CacheStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cs := &CacheStorage{
		opts:        opts,
		db:          db,
		ram:         newRAMCache(opts.RAMMax),
		log:         log,
		overflowLog: newRateLimitedLogger(log, time.Minute),
		gens:        map[string]*generationIndex{},
	}
	if err := cs.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return cs, nil
}

func (cs *CacheStorage) Close() error {
	return cs.db.Close()
}

func (cs *CacheStorage) loadIndex() error {
	it := cs.db.NewIterator(util.BytesPrefix([]byte(prefixGeneration)), nil)
	for it.Next() {
		var meta generationMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		cs.gens[meta.Name] = &generationIndex{meta: meta, entries: map[string]diskMeta{}}
		if meta.Seq > cs.seq {
			cs.seq = meta.Seq
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "load generations")
	}

	it = cs.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	defer it.Release()
	for it.Next() {
		gen, key, ok := splitStoreKey(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		if !ok {
			continue
		}
		g, exists := cs.gens[gen]
		if !exists {
			continue
		}
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		g.entries[key] = meta
		cs.totalSize += meta.Size
		if meta.Tick > cs.tick {
			cs.tick = meta.Tick
		}
	}
	return errors.Wrap(it.Error(), "load entry index")
}

func storeKey(prefix, gen, key string) []byte {
	return []byte(prefix + gen + keySep + key)
}

func splitStoreKey(b []byte) (gen, key string, ok bool) {
	i := bytes.Index(b, []byte(keySep))
	if i < 0 {
		return "", "", false
	}
	return string(b[:i]), string(b[i+1:]), true
}

func ramKey(gen, key string) string { return gen + keySep + key }

// Open returns the named generation, creating it when missing.
func (cs *CacheStorage) Open(name string) (*Cache, error) {
	if name == "" {
		return nil, errors.New("empty generation name")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.ensureGenerationLocked(name); err != nil {
		return nil, err
	}
	return &Cache{name: name, cs: cs}, nil
}

func (cs *CacheStorage) ensureGenerationLocked(name string) error {
	if _, ok := cs.gens[name]; ok {
		return nil
	}
	cs.seq++
	meta := generationMeta{Name: name, CreatedAt: time.Now().Unix(), Seq: cs.seq}
	b, err := encodeGob(meta)
	if err != nil {
		return errors.Wrap(err, "encode generation")
	}
	if err := cs.db.Put([]byte(prefixGeneration+name), b, nil); err != nil {
		return errors.Wrapf(err, "create generation %s", name)
	}
	cs.gens[name] = &generationIndex{meta: meta, entries: map[string]diskMeta{}}
	cs.log.WithField("generation", name).Debug("generation created")
	return nil
}

func (cs *CacheStorage) Has(name string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.gens[name]
	return ok
}

// Keys lists generation names in creation order.
func (cs *CacheStorage) Keys() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.keysLocked()
}

func (cs *CacheStorage) keysLocked() []string {
	gens := make([]generationMeta, 0, len(cs.gens))
	for _, g := range cs.gens {
		gens = append(gens, g.meta)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].Seq < gens[j].Seq })
	out := make([]string, len(gens))
	for i, g := range gens {
		out[i] = g.Name
	}
	return out
}

// Delete removes a generation and all of its entries. It reports whether the
// generation existed. The index, RAM and disk change under one lock so a
// concurrent Put either lands before the delete or recreates the generation
// after it.
func (cs *CacheStorage) Delete(name string) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	g, ok := cs.gens[name]
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixGeneration + name))
	for _, prefix := range []string{prefixEntry, prefixMeta} {
		it := cs.db.NewIterator(util.BytesPrefix(storeKey(prefix, name, "")), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return true, errors.Wrapf(err, "scan generation %s", name)
		}
	}
	if err := cs.db.Write(batch, nil); err != nil {
		return true, errors.Wrapf(err, "delete generation %s", name)
	}

	delete(cs.gens, name)
	for _, m := range g.entries {
		cs.totalSize -= m.Size
	}
	cs.ram.DeletePrefix(name + keySep)
	return true, nil
}

// Match looks key up in every generation, oldest first, and returns the
// first hit.
func (cs *CacheStorage) Match(key string) (CacheEntry, bool) {
	for _, name := range cs.Keys() {
		c := &Cache{name: name, cs: cs}
		if ent, ok := c.Match(key); ok {
			return ent, true
		}
	}
	return CacheEntry{}, false
}

func (cs *CacheStorage) ActiveVersion() (string, bool) {
	b, err := cs.db.Get([]byte(keyActiveVersion), nil)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}

func (cs *CacheStorage) SetActiveVersion(version string) error {
	return errors.Wrap(cs.db.Put([]byte(keyActiveVersion), []byte(version), nil), "store active version")
}

type GenerationStats struct {
	Name      string `json:"name"`
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"createdAt"`
}

func (cs *CacheStorage) Stats() []GenerationStats {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	names := cs.keysLocked()
	out := make([]GenerationStats, 0, len(names))
	for _, name := range names {
		g := cs.gens[name]
		st := GenerationStats{Name: name, Entries: len(g.entries), CreatedAt: g.meta.CreatedAt}
		for _, m := range g.entries {
			st.Bytes += m.Size
		}
		out = append(out, st)
	}
	return out
}

func (cs *CacheStorage) TotalSize() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.totalSize
}

func (cs *CacheStorage) RAMSize() int64 { return cs.ram.TotalSize() }

// EntryCount is the number of entries across all generations.
func (cs *CacheStorage) EntryCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, g := range cs.gens {
		n += len(g.entries)
	}
	return n
}

// PutItem is one key/entry pair of a batch write.
type PutItem struct {
	Key   string
	Entry CacheEntry
}

// Cache is one generation.
type Cache struct {
	name string
	cs   *CacheStorage
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Match(key string) (CacheEntry, bool) {
	cs := c.cs
	cs.mu.Lock()
	var version uint64
	g, ok := cs.gens[c.name]
	if ok {
		var m diskMeta
		m, ok = g.entries[key]
		if ok {
			cs.tick++
			m.Tick = cs.tick
			g.entries[key] = m
			version = m.Version
		}
	}
	cs.mu.Unlock()
	if !ok {
		return CacheEntry{}, false
	}

	rk := ramKey(c.name, key)
	if ent, ok := cs.ram.Get(rk); ok {
		return ent.Clone(), true
	}
	b, err := cs.db.Get(storeKey(prefixEntry, c.name, key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	ent, err := decodeEntry(b)
	if err != nil {
		cs.log.WithError(err).WithField("generation", c.name).Warn("dropping unreadable entry")
		return CacheEntry{}, false
	}
	// A write that landed during the disk read owns the RAM slot.
	cs.mu.Lock()
	if g, ok := cs.gens[c.name]; ok {
		if m, ok := g.entries[key]; ok && m.Version == version {
			cs.putRAM(rk, ent)
		}
	}
	cs.mu.Unlock()
	return ent.Clone(), true
}

func (c *Cache) Put(key string, ent CacheEntry) error {
	return c.PutAll([]PutItem{{Key: key, Entry: ent}})
}

// PutAll writes all items in a single leveldb batch: either every item is
// stored or none is.
func (c *Cache) PutAll(items []PutItem) error {
	cs := c.cs

	encoded := make([][]byte, len(items))
	for i, it := range items {
		b, err := encodeEntry(it.Entry, cs.opts.CompressAbove)
		if err != nil {
			return err
		}
		encoded[i] = b
	}

	cs.mu.Lock()
	// The generation may have been deleted since Open; writing recreates it.
	if err := cs.ensureGenerationLocked(c.name); err != nil {
		cs.mu.Unlock()
		return err
	}
	batch := new(leveldb.Batch)
	metas := make([]diskMeta, len(items))
	for i, it := range items {
		cs.tick++
		metas[i] = diskMeta{Size: int64(len(encoded[i])), Tick: cs.tick, Version: cs.tick}
		mb, err := encodeGob(metas[i])
		if err != nil {
			cs.mu.Unlock()
			return errors.Wrap(err, "encode entry meta")
		}
		batch.Put(storeKey(prefixEntry, c.name, it.Key), encoded[i])
		batch.Put(storeKey(prefixMeta, c.name, it.Key), mb)
	}
	if err := cs.db.Write(batch, nil); err != nil {
		cs.mu.Unlock()
		return errors.Wrapf(err, "write %d entries to %s", len(items), c.name)
	}
	g := cs.gens[c.name]
	for i, it := range items {
		if old, ok := g.entries[it.Key]; ok {
			cs.totalSize -= old.Size
		}
		g.entries[it.Key] = metas[i]
		cs.totalSize += metas[i].Size
		// RAM follows disk under the same lock so both tiers agree on the
		// last write.
		cs.putRAM(ramKey(c.name, it.Key), it.Entry.Clone())
	}
	over := cs.opts.DiskMax > 0 && cs.totalSize > cs.opts.DiskMax
	cs.mu.Unlock()

	if over {
		cs.evictSome()
	}
	return nil
}

func (c *Cache) Delete(key string) (bool, error) {
	cs := c.cs
	cs.mu.Lock()
	defer cs.mu.Unlock()
	g, ok := cs.gens[c.name]
	if !ok {
		return false, nil
	}
	m, ok := g.entries[key]
	if !ok {
		return false, nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(storeKey(prefixEntry, c.name, key))
	batch.Delete(storeKey(prefixMeta, c.name, key))
	if err := cs.db.Write(batch, nil); err != nil {
		return true, errors.Wrap(err, "delete entry")
	}
	delete(g.entries, key)
	cs.totalSize -= m.Size
	cs.ram.Delete(ramKey(c.name, key))
	return true, nil
}

func (c *Cache) Keys() []string {
	c.cs.mu.Lock()
	defer c.cs.mu.Unlock()
	g, ok := c.cs.gens[c.name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.entries))
	for k := range g.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (cs *CacheStorage) putRAM(key string, ent CacheEntry) {
	if cs.ram.Put(key, ent) {
		cs.overflowLog.Warnf("RAM cache over budget, dropped least recently used entries")
	}
}

// evictSome drops the least recently used evictable entries until the disk
// budget is met again.
func (cs *CacheStorage) evictSome() {
	if cs.opts.Evictable == nil {
		return
	}
	type candidate struct {
		gen, key string
		m        diskMeta
	}

	cs.mu.Lock()
	var items []candidate
	for name, g := range cs.gens {
		if !cs.opts.Evictable(name) {
			continue
		}
		for k, m := range g.entries {
			items = append(items, candidate{name, k, m})
		}
	}
	cs.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.Tick < items[j].m.Tick
	})

	evicted := 0
	for _, it := range items {
		if cs.TotalSize() <= cs.opts.DiskMax {
			break
		}
		c := &Cache{name: it.gen, cs: cs}
		if _, err := c.Delete(it.key); err != nil {
			cs.log.WithError(err).Warn("evict entry")
			continue
		}
		evicted++
	}
	if evicted > 0 {
		cs.log.WithField("evicted", evicted).Info("disk budget exceeded, evicted runtime entries")
	}
}
