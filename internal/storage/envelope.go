package storage

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"time"

	"github.com/quotewire/quotewire/internal/errs"
)

// Envelope is the self-describing wrapper around every cached value. Values
// above the compression threshold are gzip-compressed before serialization.
type Envelope struct {
	Data           json.RawMessage   `json:"data,omitempty"`
	CompressedData []byte            `json:"compressed_data,omitempty"`
	StoredAt       int64             `json:"stored_at"` // epoch milliseconds
	Compressed     bool              `json:"compressed"`
	OriginalSize   int               `json:"original_size,omitempty"`
	CompressedSize int               `json:"compressed_size,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// WrapPayload builds an envelope around an already-serialized payload.
func WrapPayload(payload json.RawMessage, now time.Time, compressionThreshold int) (*Envelope, error) {
	env := &Envelope{
		StoredAt:     now.UnixMilli(),
		OriginalSize: len(payload),
	}
	if compressionThreshold > 0 && len(payload) > compressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, errs.Wrap(err, errs.CodeStorageSerialization, "compress payload")
		}
		if err := zw.Close(); err != nil {
			return nil, errs.Wrap(err, errs.CodeStorageSerialization, "compress payload")
		}
		env.Compressed = true
		env.CompressedData = buf.Bytes()
		env.CompressedSize = buf.Len()
	} else {
		env.Data = payload
	}
	return env, nil
}

// Wrap marshals a value and builds its envelope.
func Wrap(value any, now time.Time, compressionThreshold int) (*Envelope, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStorageSerialization, "marshal value")
	}
	return WrapPayload(payload, now, compressionThreshold)
}

// Payload returns the wrapped value bytes, decompressing when needed.
func (e *Envelope) Payload() (json.RawMessage, error) {
	if !e.Compressed {
		return e.Data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(e.CompressedData))
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeDataCorrupted, "corrupt compressed envelope")
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeDataCorrupted, "corrupt compressed envelope")
	}
	return out, nil
}

// Unwrap decodes the wrapped value into out.
func (e *Envelope) Unwrap(out any) error {
	payload, err := e.Payload()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errs.Wrap(err, errs.CodeDataCorrupted, "decode envelope payload")
	}
	return nil
}

// Age returns how long ago the envelope was stored.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.StoredAt))
}

// Encode serializes the envelope for storage.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStorageSerialization, "marshal envelope")
	}
	return b, nil
}

// DecodeEnvelope parses a stored envelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Wrap(err, errs.CodeDataCorrupted, "decode envelope")
	}
	return &env, nil
}
