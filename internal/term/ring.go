package term

import (
	"sync"
	"time"
)

const (
	// ringMaxChunks bounds the number of buffered output chunks per session.
	ringMaxChunks = 1000
	// ringMaxBytes bounds the total buffered bytes per session (1 MiB).
	ringMaxBytes = 1 << 20
)

// Chunk is one timestamped piece of child output. Seq increases by one per
// chunk for the lifetime of the session.
type Chunk struct {
	Data      string
	Seq       uint64
	Timestamp time.Time
}

// chunkRing keeps the most recent output chunks for a session, bounded by
// both chunk count and total bytes. Oldest chunks are evicted first. The
// buffer stores raw (unredacted) output; redaction happens on the wire.
type chunkRing struct {
	mu      sync.Mutex
	chunks  []Chunk
	bytes   int
	nextSeq uint64
}

func newChunkRing() *chunkRing {
	return &chunkRing{}
}

// Append records a chunk and returns it with its assigned sequence number.
func (r *chunkRing) Append(data string) Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	c := Chunk{Data: data, Seq: r.nextSeq, Timestamp: time.Now()}
	r.chunks = append(r.chunks, c)
	r.bytes += len(data)

	for (len(r.chunks) > ringMaxChunks || r.bytes > ringMaxBytes) && len(r.chunks) > 1 {
		r.bytes -= len(r.chunks[0].Data)
		r.chunks = r.chunks[1:]
	}
	return c
}

// Since returns copies of all chunks with a sequence number greater than seq,
// oldest first.
func (r *chunkRing) Since(seq uint64) []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := len(r.chunks)
	for i, c := range r.chunks {
		if c.Seq > seq {
			idx = i
			break
		}
	}
	out := make([]Chunk, len(r.chunks)-idx)
	copy(out, r.chunks[idx:])
	return out
}

// LastSeq returns the sequence number of the newest chunk, 0 when empty.
func (r *chunkRing) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq
}

// Len returns the number of buffered chunks.
func (r *chunkRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}
