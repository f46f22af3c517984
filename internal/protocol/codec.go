package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	HeaderContentEncoding = "Content-Encoding"
	EncodingZstd          = "zstd"
)

// Codec marshals envelopes to JSON and compresses bodies above a size
// threshold. A threshold of zero disables compression.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func NewCodec(threshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// Encode returns the wire form of env and whether it was compressed.
func (c *Codec) Encode(env Envelope) ([]byte, bool, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, false, fmt.Errorf("marshal envelope: %w", err)
	}
	if c.threshold > 0 && len(data) > c.threshold {
		return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), true, nil
	}
	return data, false, nil
}

func (c *Codec) Decode(data []byte, compressed bool) (Envelope, error) {
	if compressed {
		raw, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return Envelope{}, Validation(CodeMalformed, fmt.Sprintf("decompress envelope: %v", err))
		}
		data = raw
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, Validation(CodeMalformed, fmt.Sprintf("decode envelope: %v", err))
	}
	return env, nil
}

func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}
