package codec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"vramancer/pkg/types"
)

// Codec names the encoding applied to a stored block payload.
type Codec string

const (
	// CodecRaw is a true identity pass-through.
	CodecRaw Codec = "raw"
	// CodecFlate is the balanced choice: DEFLATE at best speed.
	CodecFlate Codec = "flate"
	// CodecGzip is the high-ratio choice: gzip at best compression.
	CodecGzip Codec = "gzip"
)

// ErrCorrupt reports a checksum or size mismatch after decompression.
var ErrCorrupt = errors.New("codec: corrupt payload")

// Compressed payloads carry a small envelope so corruption is detected on
// promotion: crc32 of the original bytes and the original length.
const envelopeLen = 12

// Layer applies opportunistic compression to blocks demoted to slow tiers.
// The ladder runs fastest codec first and keeps trying better ratios while
// the time budget lasts; it degrades to raw on any error, never failing.
type Layer struct {
	budget time.Duration
}

// NewLayer builds a Layer with the given per-block time budget.
// A zero budget means "fast codec only".
func NewLayer(budget time.Duration) *Layer {
	return &Layer{budget: budget}
}

// Compress encodes b for storage on the hint tier. Only the file-backed slow
// tiers are worth the CPU; everything else passes through raw.
func (l *Layer) Compress(b []byte, hint types.Tier) ([]byte, Codec) {
	if hint != types.TierLocalFast && hint != types.TierColdArchive {
		return b, CodecRaw
	}
	start := time.Now()

	best, bestCodec := b, CodecRaw
	if out, err := encodeFlate(b); err == nil && len(out) < len(best) {
		best, bestCodec = out, CodecFlate
	}
	if time.Since(start) < l.budget {
		if out, err := encodeGzip(b); err == nil && len(out) < len(best) {
			best, bestCodec = out, CodecGzip
		}
	}
	return best, bestCodec
}

// Decompress reverses Compress. Raw is identity; compressed payloads are
// verified against their envelope checksum.
func Decompress(b []byte, c Codec) ([]byte, error) {
	switch c {
	case CodecRaw:
		return b, nil
	case CodecFlate, CodecGzip:
		return decode(b, c)
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", c)
	}
}

func envelope(orig []byte, stream []byte) []byte {
	out := make([]byte, envelopeLen, envelopeLen+len(stream))
	binary.BigEndian.PutUint32(out[0:4], crc32.ChecksumIEEE(orig))
	binary.BigEndian.PutUint64(out[4:12], uint64(len(orig)))
	return append(out, stream...)
}

func encodeFlate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return envelope(b, buf.Bytes()), nil
}

func encodeGzip(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return envelope(b, buf.Bytes()), nil
}

func decode(b []byte, c Codec) ([]byte, error) {
	if len(b) < envelopeLen {
		return nil, ErrCorrupt
	}
	wantSum := binary.BigEndian.Uint32(b[0:4])
	wantLen := binary.BigEndian.Uint64(b[4:12])
	stream := bytes.NewReader(b[envelopeLen:])

	var r io.ReadCloser
	switch c {
	case CodecGzip:
		gr, err := gzip.NewReader(stream)
		if err != nil {
			return nil, ErrCorrupt
		}
		r = gr
	default:
		r = flate.NewReader(stream)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrCorrupt
	}
	if uint64(len(out)) != wantLen || crc32.ChecksumIEEE(out) != wantSum {
		return nil, ErrCorrupt
	}
	return out, nil
}
