//go:build !linux

package buttons

import (
	"fmt"
	"io"
	"time"
)

func openLines(cfg Config, offsets []int, onPress func(offset int, at time.Duration)) (io.Closer, error) {
	return nil, fmt.Errorf("buttons: gpio unsupported on this platform")
}
