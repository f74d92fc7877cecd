package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
)

const topicPrefix = "meshplay"

type frameType string

const (
	frameConnect    frameType = "connect"
	frameAccept     frameType = "accept"
	frameDisconnect frameType = "disconnect"
	frameData       frameType = "data"
)

// frame is the envelope exchanged on peer inbox topics
type frame struct {
	Type frameType `json:"type"`
	From string    `json:"from"`
	Data []byte    `json:"data,omitempty"`
}

// advert is the retained payload announcing a room
type advert struct {
	Peer string `json:"peer"`
	Room string `json:"room"`
	Name string `json:"name,omitempty"`
}

func inboxTopic(peer string) string {
	return topicPrefix + "/peers/" + peer + "/inbox"
}

func roomTopic(room, peer string) string {
	return topicPrefix + "/rooms/" + room + "/" + peer
}

// roomFilter matches every room advert
const roomFilter = topicPrefix + "/rooms/#"

// parseRoomTopic extracts the room code and peer id from an advert topic
func parseRoomTopic(topic string) (room, peer string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != topicPrefix || parts[1] != "rooms" || parts[2] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("unexpected room topic %q", topic)
	}
	return parts[2], parts[3], nil
}

func encodeFrame(f frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	switch f.Type {
	case frameConnect, frameAccept, frameDisconnect, frameData:
	default:
		return frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	if f.From == "" {
		return frame{}, fmt.Errorf("frame without sender")
	}
	return f, nil
}
