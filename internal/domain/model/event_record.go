package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordMeta is the delivery metadata attached to one upstream log.
type RecordMeta struct {
	EventType   string
	Address     string
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	TxIndex     uint
	LogIndex    uint
	Removed     bool
}

// EventRecord is one received notification plus its delivery metadata.
// Records are values: once built they are never mutated, and copies share
// no mutable state. Two records for the same log are not merged.
type EventRecord struct {
	ID          string
	EventType   string
	Address     string
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	TxIndex     uint
	LogIndex    uint
	Removed     bool
	ReceivedAt  time.Time

	// Serialized is the canonical JSON form served to readers.
	Serialized string
}

type eventRecordJSON struct {
	ID          string         `json:"id"`
	EventType   string         `json:"event_type"`
	Address     string         `json:"address"`
	BlockNumber uint64         `json:"block_number"`
	BlockHash   string         `json:"block_hash"`
	TxHash      string         `json:"tx_hash"`
	TxIndex     uint           `json:"tx_index"`
	LogIndex    uint           `json:"log_index"`
	Removed     bool           `json:"removed"`
	Fields      map[string]any `json:"fields"`
	ReceivedAt  time.Time      `json:"received_at"`
}

// NewEventRecord builds an immutable record. fields holds the decoded event
// arguments and must be JSON encodable; it is not retained.
func NewEventRecord(id string, meta RecordMeta, fields map[string]any, receivedAt time.Time) (EventRecord, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	receivedAt = receivedAt.UTC()

	raw, err := json.Marshal(eventRecordJSON{
		ID:          id,
		EventType:   meta.EventType,
		Address:     meta.Address,
		BlockNumber: meta.BlockNumber,
		BlockHash:   meta.BlockHash,
		TxHash:      meta.TxHash,
		TxIndex:     meta.TxIndex,
		LogIndex:    meta.LogIndex,
		Removed:     meta.Removed,
		Fields:      fields,
		ReceivedAt:  receivedAt,
	})
	if err != nil {
		return EventRecord{}, fmt.Errorf("serialize %s record: %w", meta.EventType, err)
	}

	return EventRecord{
		ID:          id,
		EventType:   meta.EventType,
		Address:     meta.Address,
		BlockNumber: meta.BlockNumber,
		BlockHash:   meta.BlockHash,
		TxHash:      meta.TxHash,
		TxIndex:     meta.TxIndex,
		LogIndex:    meta.LogIndex,
		Removed:     meta.Removed,
		ReceivedAt:  receivedAt,
		Serialized:  string(raw),
	}, nil
}
