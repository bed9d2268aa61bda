package models

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// The agent occasionally emits product image references that never resolve
// from the chat pane, both inline and as lone bullet items. They are removed
// before rendering.
var (
	imageBulletPattern = regexp.MustCompile(`(?m)^\s*-\s*!\[[^\]]*\]\([^)]*\)\s*$`)
	imagePattern       = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.Strikethrough,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
		),
	),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
	),
)

// RenderMarkdown converts assistant message content into HTML. The transform
// is pure: bold, headings, bullet lines and line breaks are handled by the
// markdown renderer, image links are stripped beforehand.
func RenderMarkdown(content string) (string, error) {
	stripped := imageBulletPattern.ReplaceAllString(content, "")
	stripped = imagePattern.ReplaceAllString(stripped, "")

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(stripped), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}
