package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseContent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Content
	}{
		{"plain text", "hello", TextContent("hello")},
		{"attachment", "attachment:photo.png|a1b2", AttachmentContent("photo.png", "a1b2")},
		{"pipe in name", "attachment:a|b.txt|id-9", AttachmentContent("a|b.txt", "id-9")},
		{"missing id", "attachment:photo.png|", TextContent("attachment:photo.png|")},
		{"missing name", "attachment:|id", TextContent("attachment:|id")},
		{"no separator", "attachment:photo.png", TextContent("attachment:photo.png")},
		{"prefix not at start", "see attachment:x|y", TextContent("see attachment:x|y")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseContent(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.raw, got.String())
		})
	}
}

func TestContentIsBlank(t *testing.T) {
	assert.True(t, TextContent(" \n\t").IsBlank())
	assert.False(t, TextContent(" x ").IsBlank())
	assert.False(t, AttachmentContent("f", "1").IsBlank())
}
