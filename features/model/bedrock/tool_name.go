package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxToolNameLen is the longest tool name Bedrock accepts.
const maxToolNameLen = 64

// SanitizeToolName maps a tool name to the [a-zA-Z0-9_-]{1,64} alphabet
// Bedrock accepts. Dots become underscores and any other disallowed rune is
// replaced with '_'. Names longer than 64 bytes are truncated and suffixed
// with a short hash of the original so distinct names stay distinct. The
// mapping is deterministic.
func SanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) <= maxToolNameLen {
		return out
	}
	sum := sha256.Sum256([]byte(in))
	suffix := hex.EncodeToString(sum[:])[:8]
	return out[:maxToolNameLen-len(suffix)-1] + "_" + suffix
}
