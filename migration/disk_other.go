//go:build !unix

package migration

import "fmt"

// freeDiskBytes is unavailable on this platform; callers skip the
// disk-space pre-check and warn.
func freeDiskBytes(path string) (int64, error) {
	return 0, fmt.Errorf("disk-space check not supported on this platform")
}
