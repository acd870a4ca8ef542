package keyspace

import (
	"time"

	"memkeys/internal/dict"
)

// keyOverhead approximates the fixed per-key cost (header plus hash linkage)
// charged alongside the key bytes.
const keyOverhead = 32

// dataDictType is the behavior set for a database's main dictionary. It owns
// private key copies and charges the memory meter for keys and value objects
// through the ownership hooks, so accounting stays correct whether entries
// are destroyed inline or on the background worker.
type dataDictType struct {
	dict.BytesKeyType
	ks *Keyspace
}

func (t *dataDictType) CopyKey(key []byte) []byte {
	t.ks.meter.Track(uint64(len(key)) + keyOverhead)
	return append([]byte(nil), key...)
}

func (t *dataDictType) FreeKey(key []byte) {
	t.ks.meter.Release(uint64(len(key)) + keyOverhead)
}

func (t *dataDictType) FreeValue(v dict.Value) {
	if o, ok := v.Object().(*Object); ok && o != nil {
		t.ks.meter.Release(o.Footprint())
	}
}

// expiresDictType is the behavior set for the expiration index. Its keys are
// borrowed from the main dictionary (no copy, no accounting) and its values
// are inline integers with nothing to destroy.
type expiresDictType struct {
	dict.BytesKeyType
}

func (expiresDictType) CopyKey(key []byte) []byte { return key }

// DB is one logical database: the main key dictionary (key to *Object) and
// the expiration index (key to unix-milliseconds, stored inline in the
// entry's integer slot).
type DB struct {
	id      int
	data    *dict.Dict
	expires *dict.Dict
	ks      *Keyspace
}

func newDB(id int, ks *Keyspace) *DB {
	db := &DB{id: id, ks: ks}
	db.data = dict.New(&dataDictType{ks: ks}, dict.WithMinSize(ks.cfg.MinTableSize))
	db.expires = dict.New(expiresDictType{}, dict.WithMinSize(ks.cfg.MinTableSize))
	return db
}

// ID returns the database id.
func (db *DB) ID() int { return db.id }

// Data exposes the main dictionary for sampling and scanning.
func (db *DB) Data() *dict.Dict { return db.data }

// Expires exposes the expiration index for sampling.
func (db *DB) Expires() *dict.Dict { return db.expires }

// Len returns the number of keys in the database.
func (db *DB) Len() uint64 { return db.data.Len() }

// SetKey stores payload under key, overwriting any existing value and
// clearing any TTL, matching plain write semantics. The new object's
// metadata word starts at the scoring mode's initial value.
func (db *DB) SetKey(key, payload []byte) {
	o := NewObject(payload, db.ks.initialMeta())
	db.ks.meter.Track(o.Footprint())
	if !db.data.Replace(key, dict.ObjectValue(o)) {
		// Overwrite: the replaced value released its charge; a write also
		// discards the old TTL.
		_ = db.expires.Delete(key)
	}
}

// SetKeyIfAbsent stores payload under key only if the key does not exist.
// It returns dict.ErrKeyExists otherwise.
func (db *DB) SetKeyIfAbsent(key, payload []byte) error {
	o := NewObject(payload, db.ks.initialMeta())
	if err := db.data.Add(key, dict.ObjectValue(o)); err != nil {
		return err
	}
	db.ks.meter.Track(o.Footprint())
	return nil
}

// LookupRead returns the object stored under key, refreshing its scoring
// metadata. A key past its expiration time is deleted on the spot and
// reported as absent.
func (db *DB) LookupRead(key []byte) (*Object, bool) {
	if db.expireIfNeeded(key) {
		return nil, false
	}
	he := db.data.Find(key)
	if he == nil {
		return nil, false
	}
	o := he.Value().Object().(*Object)
	db.ks.touch(o)
	return o, true
}

// LookupWrite is LookupRead for write-intent callers. Access metadata is
// refreshed the same way.
func (db *DB) LookupWrite(key []byte) (*Object, bool) {
	return db.LookupRead(key)
}

// LookupNoTouch returns the object without refreshing its metadata, for
// callers (eviction scoring) that must observe idle state without resetting
// it.
func (db *DB) LookupNoTouch(key []byte) (*Object, bool) {
	he := db.data.Find(key)
	if he == nil {
		return nil, false
	}
	return he.Value().Object().(*Object), true
}

// RandomKey returns a copy of a random key, skipping over logically expired
// ones. It reports false when the database is empty.
func (db *DB) RandomKey() ([]byte, bool) {
	for {
		he := db.data.RandomEntry()
		if he == nil {
			return nil, false
		}
		if db.expireIfNeeded(he.Key()) {
			continue
		}
		return append([]byte(nil), he.Key()...), true
	}
}

// DeleteSync removes key and destroys its entry inline. It reports whether
// the key existed.
func (db *DB) DeleteSync(key []byte) bool {
	_ = db.expires.Delete(key)
	return db.data.Delete(key) == nil
}

// DeleteAsync removes key from the database immediately but hands the
// unlinked entry to the background worker for destruction, keeping the
// request path free of large deallocations. The expiration index entry is
// tiny and removed inline.
func (db *DB) DeleteAsync(key []byte) bool {
	_ = db.expires.Delete(key)
	e, err := db.data.Unlink(key)
	if err != nil {
		return false
	}
	db.ks.lazy.FreeEntry(db.data, e)
	return true
}

// SetExpire attaches an expiration time (unix milliseconds) to an existing
// key. It reports false if the key does not exist. The index entry shares the
// main dictionary's key storage, never the caller's buffer.
func (db *DB) SetExpire(key []byte, whenMs int64) bool {
	he := db.data.Find(key)
	if he == nil {
		return false
	}
	db.expires.Replace(he.Key(), dict.Int64Value(whenMs))
	return true
}

// GetExpire returns the key's expiration time in unix milliseconds.
func (db *DB) GetExpire(key []byte) (int64, bool) {
	v, ok := db.expires.FetchValue(key)
	if !ok {
		return 0, false
	}
	return v.Int64(), true
}

// Persist removes the key's TTL, if any, reporting whether one was removed.
func (db *DB) Persist(key []byte) bool {
	return db.expires.Delete(key) == nil
}

// expired reports whether key carries an expiration time in the past.
func (db *DB) expired(key []byte) bool {
	when, ok := db.GetExpire(key)
	if !ok {
		return false
	}
	return time.Now().UnixMilli() >= when
}

// expireIfNeeded deletes key if its TTL has passed, so logically-expired
// keys never surface from a lookup even before any background sweep runs.
func (db *DB) expireIfNeeded(key []byte) bool {
	if !db.expired(key) {
		return false
	}
	if db.ks.cfg.AsyncExpire {
		db.DeleteAsync(key)
	} else {
		db.DeleteSync(key)
	}
	db.ks.expiredKeys++
	return true
}

// Flush discards every key in the database. With async set, the current
// dictionaries are detached and handed to the background worker while fresh
// empty ones take their place, so the caller never pays for the teardown.
func (db *DB) Flush(async bool) {
	oldData, oldExpires := db.data, db.expires
	db.data = dict.New(&dataDictType{ks: db.ks}, dict.WithMinSize(db.ks.cfg.MinTableSize))
	db.expires = dict.New(expiresDictType{}, dict.WithMinSize(db.ks.cfg.MinTableSize))
	if async {
		db.ks.lazy.FreeTables(oldData, oldExpires)
		return
	}
	oldData.Empty(nil)
	oldExpires.Empty(nil)
}
