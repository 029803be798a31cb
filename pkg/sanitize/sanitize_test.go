package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Alice Smith", "Alice Smith"},
		{"trims", "  Bob  ", "Bob"},
		{"strips tags", "<b>Eve</b><script>x</script>", "Evex"},
		{"collapses newlines", "Mallory\n\tJones", "Mallory Jones"},
		{"drops control characters", "Tr\x00ent\x07", "Trent"},
		{"drops invalid utf8", "Pe\xffggy", "Peggy"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.input))
		})
	}
}

func TestDisplayName_Truncates(t *testing.T) {
	got := DisplayName(strings.Repeat("é", MaxDisplayNameLength+10))
	assert.Equal(t, MaxDisplayNameLength, len([]rune(got)))
}
