// ABOUTME: Renders agent markdown as plain terminal text with ANSI styling
// ABOUTME: Walks the goldmark AST directly so block prefixes (lists, quotes) compose

package render

import (
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	parserOnce sync.Once
	parser     goldmark.Markdown
)

func markdownParser() goldmark.Markdown {
	parserOnce.Do(func() {
		parser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return parser
}

var (
	headingStyle = color.New(color.FgCyan, color.Bold)
	codeStyle    = color.New(color.FgYellow)
	linkStyle    = color.New(color.FgHiBlack)
	quoteStyle   = color.New(color.FgHiBlack)
)

// Markdown renders input for a terminal. Soft line breaks become spaces.
// Trailing newlines are trimmed.
func Markdown(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}

	source := []byte(input)
	doc := markdownParser().Parser().Parse(text.NewReader(source))

	w := &walker{source: source}
	_ = ast.Walk(doc, w.walk)
	return strings.TrimRight(w.out.String(), "\n")
}

type listState struct {
	ordered bool
	counter int
	tight   bool
}

type walker struct {
	source []byte
	out    strings.Builder
	inline strings.Builder

	prefixes      []string
	pendingBullet string
	needBlank     bool
	lists         []listState

	bold, italic, strike int
}

func (w *walker) prefix(first bool) string {
	if first && w.pendingBullet != "" && len(w.prefixes) > 0 {
		return strings.Join(w.prefixes[:len(w.prefixes)-1], "") + w.pendingBullet
	}
	return strings.Join(w.prefixes, "")
}

// writeLines emits block text line by line under the current prefixes.
func (w *walker) writeLines(s string) {
	if w.needBlank && w.out.Len() > 0 {
		w.out.WriteString(strings.TrimRight(w.prefix(false), " ") + "\n")
	}
	w.needBlank = false

	for i, line := range strings.Split(s, "\n") {
		w.out.WriteString(w.prefix(i == 0))
		w.out.WriteString(line)
		w.out.WriteString("\n")
		if i == 0 {
			w.pendingBullet = ""
		}
	}
}

func (w *walker) flushInline() {
	s := w.inline.String()
	w.inline.Reset()
	w.writeLines(s)
}

func (w *walker) tightList() bool {
	return len(w.lists) > 0 && w.lists[len(w.lists)-1].tight
}

func (w *walker) styled(s string) string {
	var attrs []color.Attribute
	if w.bold > 0 {
		attrs = append(attrs, color.Bold)
	}
	if w.italic > 0 {
		attrs = append(attrs, color.Italic)
	}
	if w.strike > 0 {
		attrs = append(attrs, color.CrossedOut)
	}
	if len(attrs) == 0 {
		return s
	}
	return color.New(attrs...).Sprint(s)
}

func (w *walker) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Document:

	case *ast.Paragraph, *ast.TextBlock:
		if entering {
			w.inline.Reset()
			return ast.WalkContinue, nil
		}
		w.flushInline()
		w.needBlank = !w.tightList()

	case *ast.Heading:
		if entering {
			w.inline.Reset()
			w.bold++
			return ast.WalkContinue, nil
		}
		w.bold--
		heading := headingStyle.Sprint(w.inline.String())
		w.inline.Reset()
		w.writeLines(heading)
		w.needBlank = true

	case *ast.ThematicBreak:
		if entering {
			w.writeLines(quoteStyle.Sprint(strings.Repeat("─", 20)))
			w.needBlank = true
		}

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			var lines []string
			segs := n.Lines()
			for i := 0; i < segs.Len(); i++ {
				seg := segs.At(i)
				line := strings.TrimRight(string(seg.Value(w.source)), "\n")
				lines = append(lines, "    "+codeStyle.Sprint(line))
			}
			if len(lines) > 0 {
				w.writeLines(strings.Join(lines, "\n"))
			}
			w.needBlank = true
		}
		return ast.WalkSkipChildren, nil

	case *ast.Blockquote:
		if entering {
			w.prefixes = append(w.prefixes, quoteStyle.Sprint("│")+" ")
		} else {
			w.prefixes = w.prefixes[:len(w.prefixes)-1]
			w.needBlank = true
		}

	case *ast.List:
		if entering {
			w.lists = append(w.lists, listState{ordered: node.IsOrdered(), counter: node.Start, tight: node.IsTight})
		} else {
			w.lists = w.lists[:len(w.lists)-1]
			w.needBlank = len(w.lists) == 0 || !w.tightList()
		}

	case *ast.ListItem:
		if entering {
			list := &w.lists[len(w.lists)-1]
			bullet := "• "
			if list.ordered {
				bullet = strconv.Itoa(list.counter) + ". "
				list.counter++
			}
			w.pendingBullet = bullet
			w.prefixes = append(w.prefixes, strings.Repeat(" ", utf8.RuneCountInString(bullet)))
		} else {
			w.prefixes = w.prefixes[:len(w.prefixes)-1]
		}

	case *ast.Text:
		if entering {
			w.inline.WriteString(w.styled(string(node.Segment.Value(w.source))))
			switch {
			case node.HardLineBreak():
				w.inline.WriteString("\n")
			case node.SoftLineBreak():
				w.inline.WriteString(" ")
			}
		}

	case *ast.String:
		if entering {
			w.inline.WriteString(w.styled(string(node.Value)))
		}

	case *ast.CodeSpan:
		if entering {
			var code strings.Builder
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					code.Write(t.Segment.Value(w.source))
				}
			}
			w.inline.WriteString(codeStyle.Sprint(code.String()))
		}
		return ast.WalkSkipChildren, nil

	case *ast.Emphasis:
		delta := 1
		if !entering {
			delta = -1
		}
		if node.Level >= 2 {
			w.bold += delta
		} else {
			w.italic += delta
		}

	case *extast.Strikethrough:
		if entering {
			w.strike++
		} else {
			w.strike--
		}

	case *ast.Link:
		if !entering {
			w.inline.WriteString(linkStyle.Sprint(" (" + string(node.Destination) + ")"))
		}

	case *ast.AutoLink:
		if entering {
			w.inline.WriteString(color.New(color.Underline).Sprint(string(node.URL(w.source))))
		}
		return ast.WalkSkipChildren, nil

	case *ast.RawHTML, *ast.HTMLBlock:
		return ast.WalkSkipChildren, nil
	}

	return ast.WalkContinue, nil
}
