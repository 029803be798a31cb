package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxDisplayNameLength bounds names shown on the incoming-call screen
const MaxDisplayNameLength = 64

var htmlTagRegex = regexp.MustCompile(`<[^>]*>`)

// DisplayName cleans a name received from a remote participant before it
// reaches the UI or a push notification body. Tags and control characters
// are removed, runs of whitespace collapse to one space, and the result is
// cut to MaxDisplayNameLength runes.
func DisplayName(input string) string {
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	input = htmlTagRegex.ReplaceAllString(input, "")
	input = StripControlCharacters(input)
	input = strings.Join(strings.Fields(input), " ")

	if utf8.RuneCountInString(input) > MaxDisplayNameLength {
		runes := []rune(input)
		input = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return input
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		} else if unicode.IsSpace(r) {
			result.WriteRune(' ')
		}
	}
	return result.String()
}
