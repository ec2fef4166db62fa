package artifact

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata describes the provenance of an artifact payload.
type Metadata struct {
	Producer    string    `json:"producer"`
	GeneratedAt time.Time `json:"generated_at"`
	RecordCount int       `json:"record_count"`
}

// Envelope is the JSON payload format exchanged between tasks:
// a type tag, the records themselves, and provenance metadata.
type Envelope struct {
	Type     string            `json:"type"`
	Records  []json.RawMessage `json:"records"`
	Metadata Metadata          `json:"metadata"`
}

// NewEnvelope wraps the given records in an envelope attributed to the
// producer task.
func NewEnvelope(payloadType, producerTaskID string, records ...json.RawMessage) Envelope {
	return Envelope{
		Type:    payloadType,
		Records: records,
		Metadata: Metadata{
			Producer:    producerTaskID,
			GeneratedAt: time.Now().UTC(),
			RecordCount: len(records),
		},
	}
}

// Encode serializes the envelope for storage.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses stored artifact bytes back into an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}
