package encoder

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// PCMEncoder emits raw little-endian 16-bit samples with no container.
type PCMEncoder struct {
	buf         []byte
	totalFrames uint64
	encodeTime  time.Duration
	closed      bool
	mu          sync.Mutex
}

func NewPCM() *PCMEncoder {
	return &PCMEncoder{}
}

func (e *PCMEncoder) EncodeBlock(block []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("pcm encoder closed")
	}
	for _, s := range block {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(s))
	}
	e.totalFrames += uint64(len(block))
	return nil
}

func (e *PCMEncoder) Drain() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.buf
	e.buf = nil
	return out
}

func (e *PCMEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *PCMEncoder) TotalFrames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFrames
}

func (e *PCMEncoder) Format() string { return FormatPCM16 }

func (e *PCMEncoder) AddEncodeTime(d time.Duration) {
	e.mu.Lock()
	e.encodeTime += d
	e.mu.Unlock()
}

func (e *PCMEncoder) EncodeTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encodeTime
}
