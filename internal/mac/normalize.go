// Package mac canonicalizes device MAC addresses to 12 uppercase hex
// characters. Every repository boundary and protocol handler routes MAC
// input through Normalize before it is stored or compared (§4.1).
package mac

import (
	"strings"

	"github.com/fleetota/control-plane/internal/core"
)

// Normalize strips ':', '-' and whitespace separators, uppercases the
// result, and rejects anything that isn't exactly 12 hex characters.
func Normalize(raw string) (string, error) {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ':', '-', ' ', '\t':
			return -1
		default:
			return r
		}
	}, raw)

	stripped = strings.ToUpper(stripped)

	if len(stripped) != 12 {
		return "", core.ErrInvalidMAC
	}
	for _, r := range stripped {
		if !isHex(r) {
			return "", core.ErrInvalidMAC
		}
	}
	return stripped, nil
}

// MustNormalize is Normalize for call sites that already validated the
// input (e.g. round-tripping a value this package produced).
func MustNormalize(raw string) string {
	v, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')
}
