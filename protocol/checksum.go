package protocol

import "hash/fnv"

// Checksum returns the 32-bit FNV-1a hash of data. The peer computes the same
// digest byte for byte, so no other hash may be substituted.
func Checksum(data []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(data) // hash.Hash never returns an error
	return h.Sum32()
}
