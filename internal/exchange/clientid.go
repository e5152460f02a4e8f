package exchange

import (
	"strings"

	"github.com/google/uuid"
)

const maxClientIDLen = 36

// NewClientOrderID returns "<prefix>-<random hex>" capped at the Binance
// limit of 36 characters.
func NewClientOrderID(prefix string) string {
	prefix = NormalizeClientPrefix(prefix)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	// prefix is at most 20 chars, leaving 15 for the suffix
	room := maxClientIDLen - len(prefix) - 1
	if len(suffix) > room {
		suffix = suffix[:room]
	}
	return prefix + "-" + suffix
}

// OwnsClientID reports whether clientID was minted with prefix.
func OwnsClientID(prefix, clientID string) bool {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return false
	}
	prefix = NormalizeClientPrefix(prefix)
	return clientID == prefix || strings.HasPrefix(clientID, prefix+"-")
}

func NormalizeClientPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "sg"
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}
