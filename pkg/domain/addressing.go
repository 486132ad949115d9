package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Address tags prefixed to every derived record address.
const (
	BatchAddressTag = "batch"
	StageAddressTag = "stage"
)

// BatchAddress derives the deterministic record address of the batch with the given id.
func BatchAddress(id string) string {
	h := sha256.New()
	h.Write([]byte(BatchAddressTag))
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

// StageAddress derives the record address of the stage at index within a batch.
// Each (batch, index) pair maps to exactly one address, so creating the same
// index twice collides in the record store.
func StageAddress(batchAddress string, index uint16) string {
	var le [2]byte
	binary.LittleEndian.PutUint16(le[:], index)
	h := sha256.New()
	h.Write([]byte(StageAddressTag))
	h.Write([]byte(batchAddress))
	h.Write(le[:])
	return hex.EncodeToString(h.Sum(nil))
}
