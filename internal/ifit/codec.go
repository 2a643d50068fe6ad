package ifit

import (
	"time"
)

const (
	// ChunkSize is the maximum size of one GATT write to the treadmill
	ChunkSize = 20
	// ChunkPayloadSize is the number of payload bytes carried by a body chunk
	ChunkPayloadSize = ChunkSize - 2
	// ReassemblyCapacity bounds a reassembled inbound payload
	ReassemblyCapacity = 512
	// ChunkDelay is the pause after every chunk write
	ChunkDelay = 100 * time.Millisecond

	SeqStart byte = 0xFE
	SeqEnd   byte = 0xFF

	headerMarker byte = 0x02
)

// EncodeChunks splits payload into the header chunk followed by the body
// chunks. The header is always padded to ChunkSize; body chunks are sized to
// their content.
func EncodeChunks(payload []byte) [][]byte {
	bodyCount := (len(payload) + ChunkPayloadSize - 1) / ChunkPayloadSize

	chunks := make([][]byte, 0, 1+bodyCount)

	header := make([]byte, ChunkSize)
	header[0] = SeqStart
	header[1] = headerMarker
	header[2] = byte(len(payload))
	header[3] = byte(1 + bodyCount)
	chunks = append(chunks, header)

	for i := 0; i < bodyCount; i++ {
		offset := i * ChunkPayloadSize
		end := offset + ChunkPayloadSize
		if end > len(payload) {
			end = len(payload)
		}
		seq := byte(i)
		if i == bodyCount-1 {
			seq = SeqEnd
		}
		chunk := make([]byte, 0, 2+end-offset)
		chunk = append(chunk, seq, byte(end-offset))
		chunk = append(chunk, payload[offset:end]...)
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Reassembler rebuilds inbound payloads from notification chunks.
// It is not safe for concurrent use; the client feeds it from its tick.
type Reassembler struct {
	buf   [ReassemblyCapacity]byte
	n     int
	armed bool
}

// Feed consumes one chunk. It returns the completed payload when the chunk
// carries the end marker of an armed sequence. The returned slice is a copy.
func (r *Reassembler) Feed(chunk []byte) ([]byte, bool) {
	if len(chunk) < 2 {
		return nil, false
	}

	seq := chunk[0]
	if seq == SeqStart {
		r.n = 0
		r.armed = true
		return nil, false
	}
	if !r.armed {
		return nil, false
	}

	chunkLen := int(chunk[1])
	if chunkLen > len(chunk)-2 || r.n+chunkLen > ReassemblyCapacity {
		// declared length lies or would overflow: abandon until next start
		r.Reset()
		return nil, false
	}
	copy(r.buf[r.n:], chunk[2:2+chunkLen])
	r.n += chunkLen

	if seq != SeqEnd {
		return nil, false
	}

	out := make([]byte, r.n)
	copy(out, r.buf[:r.n])
	r.Reset()
	return out, true
}

// Reset discards any partial payload and disarms
func (r *Reassembler) Reset() {
	r.n = 0
	r.armed = false
}

// Armed reports whether a start marker has been seen without its end marker
func (r *Reassembler) Armed() bool {
	return r.armed
}

// Buffered is the number of payload bytes collected so far
func (r *Reassembler) Buffered() int {
	return r.n
}
