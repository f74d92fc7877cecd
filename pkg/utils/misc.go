package utils

import "os"

// GetHostname returns the machine hostname or a generic fallback
func GetHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "meshplay-node"
	}
	return name
}

// AbsInt64 returns the absolute value of v
func AbsInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
