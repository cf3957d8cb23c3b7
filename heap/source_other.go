//go:build !unix

package heap

func defaultChunkSource(capacity uint64) (ChunkSource, error) {
	return NewBufferSource(capacity), nil
}
