package lib

import (
	"fmt"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	emptySlice []byte
	poolMu     sync.Mutex
	Pool       *rp.RingPool // shared pool of serialized segment buffers; nil means plain allocation
)

// InitPool creates the segment buffer pool. Every chunk holds bufferLength bytes.
func InitPool(size, bufferLength int, debug bool) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if Pool != nil {
		return
	}
	rp.Debug = debug
	emptySlice = make([]byte, bufferLength)
	Pool = rp.NewRingPool("SEG: ", size, NewPayload, bufferLength)
	Pool.Debug = debug
}

// Payload is a pooled byte buffer holding one serialized segment.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element; the single parameter is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		Logger.Errorln("NewPayload: invalid number of parameters, want only the buffer length")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok {
		Logger.Errorln("NewPayload: buffer length should be of type int")
		return nil
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", p.payloadBytes[:p.length])
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source length %d exceeds buffer length %d", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// segmentBuffer keeps a serialized segment, in a pool chunk when one is
// available and on the heap otherwise.
type segmentBuffer struct {
	chunk *rp.Element
	data  []byte
}

func newSegmentBuffer(frame []byte) *segmentBuffer {
	if Pool == nil {
		return &segmentBuffer{data: frame}
	}
	chunk := Pool.GetElement()
	if chunk == nil {
		return &segmentBuffer{data: frame}
	}
	payload, ok := chunk.Data.(*Payload)
	if !ok || payload.Copy(frame) != nil {
		Pool.ReturnElement(chunk)
		return &segmentBuffer{data: frame}
	}
	return &segmentBuffer{chunk: chunk, data: payload.GetSlice()}
}

func (b *segmentBuffer) Bytes() []byte {
	return b.data
}

// Release returns the chunk to the pool. The buffer must not be used afterwards.
func (b *segmentBuffer) Release() {
	if b.chunk != nil {
		Pool.ReturnElement(b.chunk)
		b.chunk = nil
	}
	b.data = nil
}
