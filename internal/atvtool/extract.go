package atvtool

import "strings"

const credentialsMarker = "credentials:"

// minBareCredentialLength is the shortest hex-and-colons line accepted as
// a bare credential string.
const minBareCredentialLength = 21

// extractCredentials applies the credential extraction rule to accumulated
// pairing output: a line starting with "credentials:" wins, otherwise the
// last line that looks like a bare hex-and-colons credential.
func extractCredentials(output string) (string, bool) {
	lines := strings.Split(output, "\n")

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= len(credentialsMarker) &&
			strings.EqualFold(trimmed[:len(credentialsMarker)], credentialsMarker) {
			return strings.TrimSpace(trimmed[len(credentialsMarker):]), true
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if len(trimmed) >= minBareCredentialLength && isHexColon(trimmed) {
			return trimmed, true
		}
	}

	return "", false
}

func isHexColon(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		case r == ':':
		default:
			return false
		}
	}
	return true
}
