package txbuffer

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// DumpCodeblocks returns a zstd-compressed copy of the codeblock storage of
// the reserved buffer at index. The copy is not synchronized with a handle
// holder still writing codeblocks.
func (p *Pool) DumpCodeblocks(index int) ([]byte, error) {
	if index < 0 || index >= len(p.buffers) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	p.mu.Lock()
	b := p.buffers[index]
	if b.state != StateReserved {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: index %d", ErrNotReserved, index)
	}
	raw := make([]byte, b.nofCodeblocks*b.codeblockSize)
	copy(raw, b.storage)
	p.mu.Unlock()

	// EncodeAll may be called concurrently.
	return p.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

// DecodeDump reverses DumpCodeblocks.
func DecodeDump(blob []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: failed to initialize decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: failed to decode dump: %w", err)
	}
	return out, nil
}
