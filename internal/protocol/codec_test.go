package protocol

import (
	"strings"
	"testing"

	"github.com/berrythewa/meshplay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  types.Message
	}{
		{
			name: "sync audio broadcast",
			msg: types.Message{
				ID:        "m-1",
				SenderID:  "node-a",
				TargetID:  types.Broadcast,
				Timestamp: 1700000000123,
				Hops:      2,
				Body: types.SyncAudio{
					MediaID:          "track-42",
					PositionMs:       61250,
					IsPlaying:        true,
					Speed:            1.05,
					TargetPlayTimeMs: 1700000000500,
				},
			},
		},
		{
			name: "time sync response unicast",
			msg: types.Message{
				ID:        "m-2",
				SenderID:  "host",
				TargetID:  "node-b",
				Timestamp: 1000,
				Body: types.TimeSync{
					Type:              types.TimeSyncResponse,
					ServerReceiveTime: 1010,
					ServerSendTime:    1011,
				},
			},
		},
		{
			name: "chat",
			msg: types.Message{
				ID:       "m-3",
				SenderID: "node-c",
				TargetID: types.Broadcast,
				Body:     types.Chat{Text: "hello mesh"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestEncodeDefaultsTargetToBroadcast(t *testing.T) {
	data, err := Encode(types.Message{ID: "m", SenderID: "a", Body: types.Chat{Text: "x"}})
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, types.Broadcast, got.TargetID)
	assert.True(t, got.IsBroadcast())
}

func TestEncodeRejectsMissingBody(t *testing.T) {
	_, err := Encode(types.Message{ID: "m", SenderID: "a"})
	assert.ErrorIs(t, err, ErrMalformed)
}

type foreignBody struct{}

func (foreignBody) Kind() types.Kind { return "location" }

func TestEncodeRejectsUnknownBody(t *testing.T) {
	_, err := Encode(types.Message{ID: "m", SenderID: "a", Body: foreignBody{}})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"not json", "garbage", ErrMalformed},
		{"unknown type", `{"v":1,"type":"location","id":"m","sender":"a","target":"ALL","body":{}}`, ErrUnknownType},
		{"future version", `{"v":9,"type":"chat","id":"m","sender":"a","target":"ALL","body":{"text":"x"}}`, ErrUnsupportedVersion},
		{"missing sender", `{"v":1,"type":"chat","id":"m","target":"ALL","body":{"text":"x"}}`, ErrMalformed},
		{"missing id", `{"v":1,"type":"chat","sender":"a","target":"ALL","body":{"text":"x"}}`, ErrMalformed},
		{"missing body", `{"v":1,"type":"chat","id":"m","sender":"a","target":"ALL"}`, ErrMalformed},
		{"bad body", `{"v":1,"type":"sync_audio","id":"m","sender":"a","target":"ALL","body":"nope"}`, ErrMalformed},
		{"sync without media", `{"v":1,"type":"sync_audio","id":"m","sender":"a","target":"ALL","body":{"position_ms":5}}`, ErrMalformed},
		{"bad time sync type", `{"v":1,"type":"time_sync","id":"m","sender":"a","target":"ALL","body":{"type":"ping"}}`, ErrMalformed},
		{"negative hops", `{"v":1,"type":"chat","id":"m","sender":"a","target":"ALL","hops":-1,"body":{"text":"x"}}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	payload := `{"v":1,"type":"chat","id":"m","sender":"a","target":"ALL","body":{"text":"` +
		strings.Repeat("x", MaxPayloadSize) + `"}}`
	_, err := Decode([]byte(payload))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestSyncAudioSpeedIsPreserved(t *testing.T) {
	for _, speed := range []float64{0, 1.05} {
		in := types.Message{
			ID:       "m",
			SenderID: "a",
			TargetID: types.Broadcast,
			Body:     types.SyncAudio{MediaID: "t", PositionMs: 5, Speed: speed},
		}
		data, err := Encode(in)
		require.NoError(t, err)

		out, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}
