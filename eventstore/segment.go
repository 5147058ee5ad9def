package eventstore

import "hash/fnv"

// SegmentOf assigns a stream to one of total segments with FNV-1a, so every
// event of a stream is always handled by the same segment.
func SegmentOf(streamID string, total int) int {
	if total <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(streamID))
	return int(h.Sum32() % uint32(total))
}
