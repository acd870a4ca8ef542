package dict

import (
	cryptorand "crypto/rand"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// The hash seed makes bucket placement unpredictable across processes, which
// hardens the table against hash-flooding from attacker-chosen keys. It is
// set once at startup, before any dictionary is populated.
var (
	hashSeed     [16]byte
	hashSeedOnce sync.Once
)

// SetHashSeed installs an explicit seed for the default hash function. Only
// the first call (including the implicit random seeding) takes effect.
func SetHashSeed(seed []byte) {
	hashSeedOnce.Do(func() {
		copy(hashSeed[:], seed)
	})
}

func ensureHashSeed() {
	hashSeedOnce.Do(func() {
		if _, err := cryptorand.Read(hashSeed[:]); err != nil {
			// Fall back to the zero seed; placement stays correct, only the
			// flooding hardening is lost.
			return
		}
	})
}

// GenHash is the default hash function for byte-string keys: seeded xxhash64.
func GenHash(key []byte) uint64 {
	ensureHashSeed()
	var h xxhash.Digest
	h.Reset()
	_, _ = h.Write(hashSeed[:])
	_, _ = h.Write(key)
	return h.Sum64()
}

// BytesKeyType is a ready-made behavior set for dictionaries keyed by owned
// byte strings with no value ownership hooks. Embed it and override the Free
// methods for roles that account memory or share key storage.
type BytesKeyType struct{}

// Hash implements Type using the seeded default hash function.
func (BytesKeyType) Hash(key []byte) uint64 { return GenHash(key) }

// KeyEqual implements Type with byte-wise comparison, so binary-unsafe keys
// (including embedded zero bytes) compare correctly.
func (BytesKeyType) KeyEqual(a, b []byte) bool {
	return string(a) == string(b)
}

// CopyKey implements Type by taking a private copy of the key bytes.
func (BytesKeyType) CopyKey(key []byte) []byte {
	return append([]byte(nil), key...)
}

// FreeKey implements Type as a no-op; the collector reclaims the bytes.
func (BytesKeyType) FreeKey(key []byte) {}

// FreeValue implements Type as a no-op.
func (BytesKeyType) FreeValue(v Value) {}
