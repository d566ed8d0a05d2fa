package validation

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var identifierRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateIdentifier checks a user or group id: URL-safe, bounded length.
func ValidateIdentifier(id string) bool {
	return identifierRe.MatchString(strings.TrimSpace(id))
}

func NormalizeDisplayName(name string) string {
	return strings.TrimSpace(name)
}

func ValidateDisplayName(name string) bool {
	name = NormalizeDisplayName(name)
	n := utf8.RuneCountInString(name)
	return n >= 1 && n <= 64
}

func MaxMessageLength() int {
	maxStr := os.Getenv("MAX_MESSAGE_LENGTH")
	if maxStr == "" {
		return 500
	}
	max, err := strconv.Atoi(maxStr)
	if err != nil || max < 1 {
		return 500
	}
	return max
}

func TrimAndLimit(s string, max int) string {
	s = strings.TrimSpace(s)
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

// ValidateContentType accepts the attachment types the clients render.
func ValidateContentType(ct string) bool {
	switch strings.ToLower(strings.TrimSpace(ct)) {
	case "image/jpeg", "image/png", "image/gif", "image/webp",
		"application/pdf", "text/plain":
		return true
	}
	return false
}
