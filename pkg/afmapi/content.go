package afmapi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Content models a Message's content field: null, a plain string, or an
// array of ContentPart (spec.md §3: "content: null | text | array of
// {text | image_url}"). Exactly one of Text/Parts is meaningful, selected
// by IsArray.
type Content struct {
	IsArray bool
	Text    string
	Parts   []ContentPart
}

// TextContent builds a plain-string Content.
func TextContent(text string) *Content {
	return &Content{Text: text}
}

// PartsContent builds a multipart Content.
func PartsContent(parts []ContentPart) *Content {
	return &Content{IsArray: true, Parts: parts}
}

// PlainText returns the flattened text of the content: the string itself
// when IsArray is false, or the concatenation of all "text" parts when
// IsArray is true.
func (c *Content) PlainText() string {
	if c == nil {
		return ""
	}
	if !c.IsArray {
		return c.Text
	}
	var buf bytes.Buffer
	for _, p := range c.Parts {
		if p.Type == "text" {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

// HasImages reports whether any content part carries an image, the signal
// the prefix-KV-cache reuse protocol uses to disable caching for multimodal
// requests (spec.md §4.3.2: "Enabled only for pure-text inputs").
func (c *Content) HasImages() bool {
	if c == nil || !c.IsArray {
		return false
	}
	for _, p := range c.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts either a JSON string or a JSON array of
// ContentPart, matching the union type spec.md §3 describes.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("afmapi: content string: %w", err)
		}
		*c = Content{Text: s}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("afmapi: content array: %w", err)
		}
		*c = Content{IsArray: true, Parts: parts}
		return nil
	}
	return fmt.Errorf("afmapi: content must be a string, array, or null")
}

// MarshalJSON renders the Content back to whichever shape it was decoded
// from (or constructed as).
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsArray {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}
