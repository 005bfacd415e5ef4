package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxToolNameLen is the longest tool name and toolUseId Bedrock accepts.
const maxToolNameLen = 64

// sanitizeToolName maps a canonical tool identifier (for example
// "atlas.fetch_report") to a name Bedrock accepts. Dots become underscores so
// namespace structure survives, every other rune outside [a-zA-Z0-9_-] is
// replaced with '_', and names over 64 bytes are truncated with a stable hash
// suffix so distinct long names stay distinct. The mapping is deterministic;
// the per-request reverse map translates provider echoes back to canonical
// identifiers.
func sanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	const hashLen = 8

	allowed := true
	for _, r := range in {
		if r == '.' {
			r = '_'
		}
		if !isToolNameRune(r) {
			allowed = false
			break
		}
	}

	var sanitized string
	if allowed {
		sanitized = strings.ReplaceAll(in, ".", "_")
	} else {
		out := make([]rune, 0, len(in))
		for _, r := range in {
			if r == '.' {
				r = '_'
			}
			if !isToolNameRune(r) {
				r = '_'
			}
			out = append(out, r)
		}
		sanitized = string(out)
	}

	if len(sanitized) <= maxToolNameLen {
		return sanitized
	}

	sum := sha256.Sum256([]byte(in))
	suffix := hex.EncodeToString(sum[:])[:hashLen]
	prefixLen := maxToolNameLen - (1 + hashLen)
	return sanitized[:prefixLen] + "_" + suffix
}

func isToolNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
	case r >= 'A' && r <= 'Z':
	case r >= '0' && r <= '9':
	case r == '_' || r == '-':
	default:
		return false
	}
	return true
}

// normalizeToolName strips the "$FUNCTIONS." prefix some Bedrock-served
// models prepend when echoing tool names in tool_use blocks.
func normalizeToolName(name string) string {
	return strings.TrimPrefix(name, "$FUNCTIONS.")
}

// isProviderSafeToolUseID reports whether id already conforms to Bedrock's
// toolUseId constraints ([a-zA-Z0-9_-]+, at most 64 bytes). IDs that fail the
// check are remapped so internal correlation identifiers never reach the
// provider.
func isProviderSafeToolUseID(id string) bool {
	if id == "" || len(id) > maxToolNameLen {
		return false
	}
	for _, r := range id {
		if !isToolNameRune(r) {
			return false
		}
	}
	return true
}
