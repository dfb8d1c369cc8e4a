package processor

import (
	"strings"

	"cryptometrics/models"
)

// KeyDelimiter separates the components of a raw snapshot key.
const KeyDelimiter = ":"

// Key is a parsed composite snapshot key.
type Key struct {
	Market   string
	Exchange string
	Asset    string
}

func (k Key) String() string {
	return k.Market + KeyDelimiter + k.Exchange + KeyDelimiter + k.Asset
}

// ParseKey splits "<market>:<exchange>:<asset>" or "<market>:<asset>" into
// its components. Two-part keys get models.UnknownExchange. Anything else,
// including empty components, is a *MalformedKeyError.
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(raw, KeyDelimiter)
	for _, p := range parts {
		if p == "" {
			return Key{}, &MalformedKeyError{Key: raw, Reason: "empty component"}
		}
	}

	switch len(parts) {
	case 3:
		return Key{Market: parts[0], Exchange: parts[1], Asset: parts[2]}, nil
	case 2:
		return Key{Market: parts[0], Exchange: models.UnknownExchange, Asset: parts[1]}, nil
	default:
		return Key{}, &MalformedKeyError{Key: raw, Reason: "expected 2 or 3 components"}
	}
}
