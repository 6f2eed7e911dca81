package record

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
)

// Domain prefixes for content digests. The version suffix allows the
// algorithm to change without colliding with old digests.
const (
	DomainRow   = "stravasync/row/v1"
	DomainTable = "stravasync/canonical/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RowHash returns the content hash of a row's canonical encoding.
func RowHash(r Row) (string, error) {
	data, err := MarshalCanonical(Object(r))
	if err != nil {
		return "", fmt.Errorf("RowHash: %w", err)
	}
	return hashWithDomain(DomainRow, data), nil
}

// Digest accumulates an order-sensitive digest over a sequence of canonical
// records. Each record is length-prefixed so that record boundaries are part
// of the digest.
type Digest struct {
	h     hash.Hash
	count int
}

// NewDigest starts a digest under the given domain.
func NewDigest(domain string) *Digest {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	return &Digest{h: h}
}

// Add appends one record.
func (d *Digest) Add(data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	d.h.Write(n[:])
	d.h.Write(data)
	d.count++
}

// Count returns the number of records added.
func (d *Digest) Count() int {
	return d.count
}

// Sum returns the hex digest.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
