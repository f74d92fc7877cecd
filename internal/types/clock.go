package types

import "time"

// ClockState is the local estimate of the offset to the host clock
type ClockState struct {
	Offset      time.Duration `json:"offset"`
	RTT         time.Duration `json:"rtt"`
	LastUpdated time.Time     `json:"last_updated"`
	Samples     int           `json:"samples"`
}

// OffsetMs returns the offset in whole milliseconds
func (c ClockState) OffsetMs() int64 {
	return c.Offset.Milliseconds()
}
