package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"fullwidth folded by NFKC", "ＡＢＣ１２３", "ABC123"},
		{"ligature folded", "ﬁbrosis", "fibrosis"},
		{"bom and zero width", "\uFEFFheart\u200B rate\u200D", "heart rate"},
		{"collapse spaces and tabs", "a  \t b", "a b"},
		{"collapse blank lines", "a\n\n\n\nb", "a\n\nb"},
		{"drop control chars", "a\x07b\x00c", "abc"},
		{"keep newlines and tabs inside", "line1\nline2", "line1\nline2"},
		{"trim", "  \n padded \n ", "padded"},
		{"cjk preserved", "心肌  梗死", "心肌 梗死"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "心肌", Truncate("心肌梗死", 2))
	assert.Equal(t, 4, RuneLen("心肌梗死"))
}
