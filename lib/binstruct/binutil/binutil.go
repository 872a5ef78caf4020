// Package binutil holds the handful of helpers shared by binstruct and
// binint that don't belong in either's public surface.
package binutil

import (
	"fmt"
)

// NeedNBytes reports an error if dat is too short to hold n more bytes.
func NeedNBytes(dat []byte, n int) error {
	if len(dat) < n {
		return fmt.Errorf("need at least %v bytes, only have %v", n, len(dat))
	}
	return nil
}
