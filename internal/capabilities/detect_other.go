//go:build !linux

package capabilities

import "fmt"

// Detect returns an error outside Linux.
func Detect(pid int) (*DetectResult, error) {
	return nil, fmt.Errorf("capability detection only supported on Linux")
}
