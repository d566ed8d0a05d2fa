package moderation

import (
	"regexp"
	"strings"
)

// Default profanity word list. Matches are case-insensitive whole words;
// each match is replaced with asterisks of equal length.
var profanityWords = []string{
	"damn",
	"hell",
	"crap",
	"idiot",
	"stupid",
	"moron",
	"jerk",
	"loser",
	"dumbass",
	"bastard",
}

var profanityRe = buildProfanityRe(profanityWords)

func buildProfanityRe(words []string) *regexp.Regexp {
	escaped := make([]string, len(words))
	for i, w := range words {
		escaped[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(escaped, "|") + `)\b`)
}

func maskProfanity(text string) (string, bool) {
	replaced := false
	masked := profanityRe.ReplaceAllStringFunc(text, func(match string) string {
		replaced = true
		return strings.Repeat("*", len(match))
	})
	return masked, replaced
}
