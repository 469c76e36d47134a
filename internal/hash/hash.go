// Package hash derives stable 64-bit page identities from normalized URLs.
package hash

import "github.com/dchest/siphash"

// The key is fixed so page identities are reproducible across runs and
// across machines. Changing it invalidates every stored page_id.
const (
	key0 = 0
	key1 = 0
)

// PageID hashes a normalized URL with SipHash-2-4 into the signed 64-bit
// space the backend stores.
func PageID(url string) int64 {
	return int64(siphash.Hash(key0, key1, []byte(url)))
}

// Sum64 exposes the raw hash for non-identity uses, such as the `hash`
// transformer.
func Sum64(data string) int64 {
	return int64(siphash.Hash(key0, key1, []byte(data)))
}
