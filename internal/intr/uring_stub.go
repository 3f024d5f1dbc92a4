//go:build !giouring
// +build !giouring

package intr

import "fmt"

// OpenUring is available when built with -tags giouring
func OpenUring(path string) (Line, error) {
	return nil, fmt.Errorf("giouring not enabled; build with -tags giouring")
}
