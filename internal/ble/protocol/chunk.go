// internal/ble/protocol/chunk.go
package protocol

// DefaultChunkSize is the write-without-response payload for the minimum
// ATT MTU of 23 bytes (23 - 3 bytes of ATT header).
const DefaultChunkSize = 20

// ChunkBytes splits buf into consecutive slices of at most size bytes, in
// order, without copying. Returns nil for an empty buffer or a size below 1,
// so callers never issue a zero-length write.
func ChunkBytes(buf []byte, size int) [][]byte {
	if len(buf) == 0 || size < 1 {
		return nil
	}

	chunks := make([][]byte, 0, (len(buf)+size-1)/size)
	for len(buf) > 0 {
		n := size
		if len(buf) < n {
			n = len(buf)
		}
		// Cap the capacity so an append by the caller cannot clobber the next chunk.
		chunks = append(chunks, buf[:n:n])
		buf = buf[n:]
	}
	return chunks
}
