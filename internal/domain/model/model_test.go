package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventRecord_Serialized(t *testing.T) {
	at := time.Date(2026, 2, 18, 10, 0, 0, 0, time.FixedZone("KST", 9*3600))
	rec, err := NewEventRecord("id-1", RecordMeta{
		EventType:   "TokenMinted",
		Address:     "0xfeDB19A138fdF3432A88eB3dB9AD36f7aed073B0",
		BlockNumber: 8450915,
		TxHash:      "0xabc",
		LogIndex:    3,
	}, map[string]any{"tokenId": "7"}, at)
	require.NoError(t, err)

	assert.Equal(t, "TokenMinted", rec.EventType)
	assert.Equal(t, uint64(8450915), rec.BlockNumber)
	assert.Equal(t, time.UTC, rec.ReceivedAt.Location())

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.Serialized), &decoded))
	assert.Equal(t, "id-1", decoded["id"])
	assert.Equal(t, "TokenMinted", decoded["event_type"])
	assert.Equal(t, float64(3), decoded["log_index"])
	assert.Equal(t, map[string]any{"tokenId": "7"}, decoded["fields"])
}

func TestNewEventRecord_NilFields(t *testing.T) {
	rec, err := NewEventRecord("id-2", RecordMeta{EventType: "CollectionCreated"}, nil, time.Now())
	require.NoError(t, err)
	assert.Contains(t, rec.Serialized, `"fields":{}`)
}

func TestNewEventRecord_UnencodableField(t *testing.T) {
	_, err := NewEventRecord("id-3", RecordMeta{EventType: "TokenMinted"}, map[string]any{"bad": make(chan int)}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serialize TokenMinted record")
}

func TestSubscriptionFilter_CopiesAddresses(t *testing.T) {
	addrs := []common.Address{common.HexToAddress("0x01")}
	f := NewSubscriptionFilter("TokenMinted", 10, addrs)

	addrs[0] = common.HexToAddress("0x02")
	assert.Equal(t, common.HexToAddress("0x01"), f.Addresses()[0])

	out := f.Addresses()
	out[0] = common.HexToAddress("0x03")
	assert.Equal(t, common.HexToAddress("0x01"), f.Addresses()[0])

	assert.Equal(t, "TokenMinted@10", f.Key())
	assert.Equal(t, uint64(10), f.StartingBlock())
}

func TestParseDecodeErrorPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    DecodeErrorPolicy
		wantErr bool
	}{
		{in: "", want: DecodeErrorSkip},
		{in: "skip", want: DecodeErrorSkip},
		{in: " FAIL ", want: DecodeErrorFail},
		{in: "panic", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDecodeErrorPolicy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
