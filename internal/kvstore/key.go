package kvstore

import (
	"bytes"
	"strings"
)

// keySeparator joins tuple elements in the encoded form. 0x1F (unit
// separator) sorts below every printable byte, so encoded tuples compare
// element-by-element under plain byte comparison: ["a"] < ["a","b"] < ["ab"].
const keySeparator = byte(0x1F)

// Key is an ordered tuple of strings addressing one record. Elements must
// not contain the separator byte 0x1F; Validate rejects such keys.
type Key []string

// Validate reports whether the key is usable: non-empty, with no empty
// elements and no element containing the separator byte.
func (k Key) Validate() error {
	if len(k) == 0 {
		return &InvalidKeyError{Key: k, Reason: "key must have at least one element"}
	}
	for _, elem := range k {
		if elem == "" {
			return &InvalidKeyError{Key: k, Reason: "key elements must not be empty"}
		}
		if strings.IndexByte(elem, keySeparator) >= 0 {
			return &InvalidKeyError{Key: k, Reason: "key elements must not contain the separator byte 0x1F"}
		}
	}
	return nil
}

// Encode renders the tuple as the stored byte form.
func (k Key) Encode() []byte {
	if len(k) == 0 {
		return nil
	}
	size := len(k) - 1
	for _, elem := range k {
		size += len(elem)
	}
	buf := make([]byte, 0, size)
	for i, elem := range k {
		if i > 0 {
			buf = append(buf, keySeparator)
		}
		buf = append(buf, elem...)
	}
	return buf
}

// String renders the key for logs and errors, using "/" between elements.
func (k Key) String() string {
	return strings.Join(k, "/")
}

// decodeKey splits a stored byte form back into its tuple elements.
func decodeKey(encoded []byte) Key {
	if len(encoded) == 0 {
		return nil
	}
	parts := bytes.Split(encoded, []byte{keySeparator})
	key := make(Key, len(parts))
	for i, p := range parts {
		key[i] = string(p)
	}
	return key
}

// prefixRange returns the half-open byte range [lo, hi) covering the
// encoded prefix key itself and every key that extends it with further
// elements. Works because no element may contain the separator and
// 0x20 = separator+1.
func prefixRange(prefix Key) (lo, hi []byte) {
	lo = prefix.Encode()
	hi = make([]byte, len(lo)+1)
	copy(hi, lo)
	hi[len(lo)] = keySeparator + 1
	return lo, hi
}
