package domain

import "strings"

// AttachmentPrefix starts every attachment reference token embedded in message text.
const AttachmentPrefix = "attachment:"

// ContentKind discriminates the Content variants.
type ContentKind int

const (
	// ContentText is literal message text.
	ContentText ContentKind = iota
	// ContentAttachment references an uploaded file.
	ContentAttachment
)

// Content is the decoded form of a message body.
type Content struct {
	Kind         ContentKind
	Text         string
	Name         string
	AttachmentID string
}

// TextContent returns a text content.
func TextContent(s string) Content {
	return Content{Kind: ContentText, Text: s}
}

// AttachmentContent returns an attachment reference content.
func AttachmentContent(name, id string) Content {
	return Content{Kind: ContentAttachment, Name: name, AttachmentID: id}
}

// ParseContent decodes a raw message body. Bodies of the form
// "attachment:<display-name>|<attachment-id>" become attachment references;
// everything else, including tokens with an empty name or id, is text.
func ParseContent(raw string) Content {
	rest, ok := strings.CutPrefix(raw, AttachmentPrefix)
	if !ok {
		return TextContent(raw)
	}
	// Display names may contain '|', ids never do.
	i := strings.LastIndex(rest, "|")
	if i <= 0 || i == len(rest)-1 {
		return TextContent(raw)
	}
	return AttachmentContent(rest[:i], rest[i+1:])
}

// String encodes the content in its wire form.
func (c Content) String() string {
	if c.Kind == ContentAttachment {
		return AttachmentPrefix + c.Name + "|" + c.AttachmentID
	}
	return c.Text
}

// IsAttachment reports whether the content references a file.
func (c Content) IsAttachment() bool {
	return c.Kind == ContentAttachment
}

// IsBlank reports whether a text content has nothing but whitespace.
func (c Content) IsBlank() bool {
	return c.Kind == ContentText && strings.TrimSpace(c.Text) == ""
}
