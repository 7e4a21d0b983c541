// Package voice flattens markdown replies into plain speakable text.
// Chat models format with headings, lists, and links; a TTS pipeline
// needs none of that.
package voice

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// Flatten converts markdown to plain text suitable for speech. Links
// reduce to their text, list items and headings become sentences, and
// code blocks are dropped entirely.
func Flatten(markdown string) string {
	source := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			switch node := n.(type) {
			case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
				return ast.WalkSkipChildren, nil
			case *ast.Text:
				b.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte(' ')
				}
			case *ast.AutoLink:
				b.Write(node.URL(source))
			}
			return ast.WalkContinue, nil
		}

		switch n.(type) {
		case *ast.Paragraph, *ast.Heading, *ast.ListItem:
			endSentence(&b)
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(collapseSpaces(b.String()))
}

// endSentence closes the current fragment so blocks read as separate
// sentences.
func endSentence(b *strings.Builder) {
	s := strings.TrimRight(b.String(), " ")
	if s == "" {
		return
	}
	last := s[len(s)-1]
	switch last {
	case '.', '!', '?', ':', ';':
		b.Reset()
		b.WriteString(s)
		b.WriteByte(' ')
	default:
		b.Reset()
		b.WriteString(s)
		b.WriteString(". ")
	}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
