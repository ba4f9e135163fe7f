package texcache

import "hash/fnv"

const (
	miniSamples    = 16
	miniSampleSize = 16
)

// fullHash hashes every source byte.
func fullHash(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// miniHash hashes up to miniSamples evenly spaced runs of the source,
// always including the first and last bytes.
func miniHash(b []byte) uint32 {
	h := fnv.New32a()
	if len(b) <= miniSamples*miniSampleSize {
		h.Write(b)
		return h.Sum32()
	}
	span := len(b) - miniSampleSize
	for i := range miniSamples {
		off := span * i / (miniSamples - 1)
		h.Write(b[off : off+miniSampleSize])
	}
	return h.Sum32()
}
