package recorder

import (
	"context"
	"runtime"
	"sync"
)

// ChunkStore keeps raw capture blocks, in arrival order, for encoding after
// capture has stopped.
type ChunkStore struct {
	mu      sync.Mutex
	chunks  [][]float32
	samples int
}

func NewChunkStore() *ChunkStore {
	return &ChunkStore{}
}

// Append stores a copy of block.
func (s *ChunkStore) Append(block []float32) {
	if len(block) == 0 {
		return
	}
	chunk := make([]float32, len(block))
	copy(chunk, block)

	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.samples += len(chunk)
	s.mu.Unlock()
}

// Replay hands every stored chunk to push, oldest first, removing each one
// once push accepts it. It yields between chunks and stops there when ctx is
// done; chunks not yet pushed stay stored for the next Replay.
func (s *ChunkStore) Replay(ctx context.Context, push func([]float32) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		if len(s.chunks) == 0 {
			s.chunks = nil
			s.mu.Unlock()
			return nil
		}
		chunk := s.chunks[0]
		s.mu.Unlock()

		if err := push(chunk); err != nil {
			return err
		}

		s.mu.Lock()
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
		s.samples -= len(chunk)
		s.mu.Unlock()

		runtime.Gosched()
	}
}

// Len returns the number of stored chunks.
func (s *ChunkStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Samples returns the number of stored samples.
func (s *ChunkStore) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}
