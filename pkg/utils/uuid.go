package utils

import (
	"math/rand"
	"strconv"

	"github.com/google/uuid"
)

// Room codes are four decimal digits
const (
	roomCodeMin = 1000
	roomCodeMax = 9999
)

// NewMessageID returns a random id for a mesh message
func NewMessageID() string {
	return uuid.New().String()
}

// NewNodeID returns a random node id for transports without their own identity
func NewNodeID() string {
	return "node-" + uuid.New().String()
}

// GenerateRoomCode returns a short numeric code a host advertises under
func GenerateRoomCode() string {
	return strconv.Itoa(roomCodeMin + rand.Intn(roomCodeMax-roomCodeMin+1))
}
