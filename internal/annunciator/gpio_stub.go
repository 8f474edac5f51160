//go:build !linux || (!arm && !arm64)

package annunciator

import "fmt"

func openLine(pin int) (line, error) {
	return nil, fmt.Errorf("annunciator: gpio unsupported on this platform")
}
