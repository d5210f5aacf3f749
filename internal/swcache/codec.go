package swcache

import (
	"bytes"
	"encoding/gob"
	"net/http"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Stored values carry a one byte codec tag in front of the gob payload.
const (
	codecGob  byte = 'g'
	codecZstd byte = 'z'
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func encodeEntry(ent CacheEntry, compressAbove int64) ([]byte, error) {
	b, err := encodeGob(ent)
	if err != nil {
		return nil, errors.Wrap(err, "encode entry")
	}
	if compressAbove > 0 && int64(len(b)) > compressAbove {
		out := make([]byte, 1, len(b)/2+1)
		out[0] = codecZstd
		return zstdEncoder.EncodeAll(b, out), nil
	}
	return append([]byte{codecGob}, b...), nil
}

func decodeEntry(b []byte) (CacheEntry, error) {
	if len(b) == 0 {
		return CacheEntry{}, errors.New("empty entry")
	}
	payload := b[1:]
	switch b[0] {
	case codecGob:
	case codecZstd:
		raw, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return CacheEntry{}, errors.Wrap(err, "decompress entry")
		}
		payload = raw
	default:
		return CacheEntry{}, errors.Errorf("unknown entry codec %q", b[0])
	}
	var ent CacheEntry
	if err := decodeGob(payload, &ent); err != nil {
		return CacheEntry{}, errors.Wrap(err, "decode entry")
	}
	return ent, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})

	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}
