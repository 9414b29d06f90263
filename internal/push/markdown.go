package push

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// markdown is the shared CommonMark parser used for stripping. Parsing is
// goroutine-safe, so one instance serves all sends.
var markdown = goldmark.New()

// StripMarkdown reduces Markdown to notification-friendly plain text:
// fenced code blocks become "[code block]", inline code keeps its content,
// headers and emphasis keep their text, links keep their label, images
// become "[image: alt]", and list markers and blockquote prefixes are
// dropped. The result is stable under repeated stripping.
func StripMarkdown(input string) string {
	if input == "" {
		return ""
	}

	source := []byte(input)
	root := markdown.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				b.WriteString("[code block]")
				return ast.WalkSkipChildren, nil
			}
			b.WriteByte('\n')

		case *ast.CodeSpan:
			if entering {
				b.Write(inlineText(node, source))
				return ast.WalkSkipChildren, nil
			}

		case *ast.Image:
			if entering {
				alt := inlineText(node, source)
				if len(bytes.TrimSpace(alt)) == 0 {
					b.WriteString("[image]")
				} else {
					b.WriteString("[image: ")
					b.Write(alt)
					b.WriteString("]")
				}
				return ast.WalkSkipChildren, nil
			}

		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(source))
				return ast.WalkSkipChildren, nil
			}

		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}

		case *ast.String:
			if entering {
				b.Write(node.Value)
			}

		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if !entering {
				b.WriteByte('\n')
			}

		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return normalizeStripped(b.String())
}

// inlineText collects the literal text under an inline node, e.g. the
// content of a code span or the alt text of an image.
func inlineText(n ast.Node, source []byte) []byte {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
		case *ast.String:
			buf.Write(t.Value)
		default:
			buf.Write(inlineText(c, source))
		}
	}
	return buf.Bytes()
}

func normalizeStripped(s string) string {
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	out := strings.Join(lines, "\n")
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

// Truncate strips Markdown and shortens the text to at most max runes,
// cutting at the last word boundary and appending an ellipsis when
// anything was dropped. Empty input yields an empty string.
func Truncate(input string, max int) string {
	if max <= 0 {
		return ""
	}
	stripped := StripMarkdown(input)
	runes := []rune(stripped)
	if len(runes) <= max {
		return stripped
	}

	cut := runes[:max]
	if idx := lastSpaceIndex(cut); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRightFunc(string(cut), unicode.IsSpace) + "…"
}

func lastSpaceIndex(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
