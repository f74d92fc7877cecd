// Package protocol defines the wire format of mesh messages
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/berrythewa/meshplay/internal/types"
)

// Version is the envelope version written by Encode
const Version = 1

// MaxPayloadSize bounds the size of an encoded message accepted by Decode
const MaxPayloadSize = 64 * 1024

var (
	// ErrMalformed is returned for payloads that are not a valid envelope
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for envelopes carrying an unknown body kind
	ErrUnknownType = errors.New("unknown message type")
	// ErrUnsupportedVersion is returned for envelopes of a newer version
	ErrUnsupportedVersion = errors.New("unsupported message version")
	// ErrTooLarge is returned for payloads above MaxPayloadSize
	ErrTooLarge = errors.New("message too large")
)

// envelope is the JSON frame shared by all message kinds
type envelope struct {
	Version   int             `json:"v"`
	Type      types.Kind      `json:"type"`
	ID        string          `json:"id"`
	Sender    types.PeerID    `json:"sender"`
	Target    types.PeerID    `json:"target"`
	Timestamp int64           `json:"ts"`
	Hops      int             `json:"hops"`
	Body      json.RawMessage `json:"body"`
}

// Encode serializes a message into its wire form
func Encode(msg types.Message) ([]byte, error) {
	if msg.Body == nil {
		return nil, fmt.Errorf("failed to encode message %s: %w: missing body", msg.ID, ErrMalformed)
	}

	switch msg.Body.(type) {
	case types.SyncAudio, types.TimeSync, types.Chat:
	default:
		return nil, fmt.Errorf("failed to encode message %s: %w: %T", msg.ID, ErrUnknownType, msg.Body)
	}

	body, err := json.Marshal(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message body: %w", err)
	}

	target := msg.TargetID
	if target == "" {
		target = types.Broadcast
	}

	return json.Marshal(envelope{
		Version:   Version,
		Type:      msg.Body.Kind(),
		ID:        msg.ID,
		Sender:    msg.SenderID,
		Target:    target,
		Timestamp: msg.Timestamp,
		Hops:      msg.Hops,
		Body:      body,
	})
}

// Decode parses a wire payload back into a message
func Decode(data []byte) (types.Message, error) {
	if len(data) > MaxPayloadSize {
		return types.Message{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version > Version {
		return types.Message{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	if env.ID == "" || env.Sender == "" || env.Target == "" {
		return types.Message{}, fmt.Errorf("%w: missing id, sender or target", ErrMalformed)
	}
	if env.Hops < 0 {
		return types.Message{}, fmt.Errorf("%w: negative hop count", ErrMalformed)
	}
	if len(env.Body) == 0 {
		return types.Message{}, fmt.Errorf("%w: missing body", ErrMalformed)
	}

	body, err := decodeBody(env.Type, env.Body)
	if err != nil {
		return types.Message{}, err
	}

	return types.Message{
		ID:        env.ID,
		SenderID:  env.Sender,
		TargetID:  env.Target,
		Timestamp: env.Timestamp,
		Hops:      env.Hops,
		Body:      body,
	}, nil
}

func decodeBody(kind types.Kind, raw json.RawMessage) (types.Body, error) {
	switch kind {
	case types.KindSyncAudio:
		var b types.SyncAudio
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: sync_audio body: %v", ErrMalformed, err)
		}
		if b.MediaID == "" {
			return nil, fmt.Errorf("%w: sync_audio without media id", ErrMalformed)
		}
		return b, nil
	case types.KindTimeSync:
		var b types.TimeSync
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: time_sync body: %v", ErrMalformed, err)
		}
		if b.Type != types.TimeSyncRequest && b.Type != types.TimeSyncResponse {
			return nil, fmt.Errorf("%w: time_sync type %q", ErrMalformed, b.Type)
		}
		return b, nil
	case types.KindChat:
		var b types.Chat
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: chat body: %v", ErrMalformed, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
}
