package ingest

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

const DefaultMaxWords = 400

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// Split turns markdown or plain text into retrieval chunks. Level 1 and 2
// headings start a new chunk and prefix its text. Each table row is its own
// chunk. Other blocks are packed together up to maxWords words.
func Split(src []byte, maxWords int) []string {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	doc := markdown.Parser().Parse(text.NewReader(src))

	var (
		chunks  []string
		current []string
		words   int
		heading string
	)
	emit := func(body string) {
		if heading != "" {
			body = heading + "\n" + body
		}
		chunks = append(chunks, body)
	}
	flush := func() {
		if len(current) > 0 {
			emit(strings.Join(current, "\n"))
		}
		current = nil
		words = 0
	}
	add := func(block string) {
		fields := strings.Fields(block)
		for len(fields) > maxWords {
			flush()
			emit(strings.Join(fields[:maxWords], " "))
			fields = fields[maxWords:]
			block = strings.Join(fields, " ")
		}
		if len(fields) == 0 {
			return
		}
		if words+len(fields) > maxWords {
			flush()
		}
		current = append(current, block)
		words += len(fields)
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			txt := blockText(n, src)
			if n.Level <= 2 {
				flush()
				heading = txt
				continue
			}
			add(txt)
		case *east.Table:
			flush()
			for row := n.FirstChild(); row != nil; row = row.NextSibling() {
				if _, isHeader := row.(*east.TableHeader); isHeader {
					continue
				}
				if txt := blockText(row, src); txt != "" {
					emit(txt)
				}
			}
		default:
			add(blockText(n, src))
		}
	}
	flush()
	return chunks
}

func blockText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch node.(type) {
			case *east.TableCell:
				sb.WriteString(" ")
			case *ast.Paragraph, *ast.TextBlock, *ast.ListItem:
				sb.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}
		switch t := node.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteString(" ")
			}
		case *ast.String:
			sb.Write(t.Value)
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(collapseBlankLines(sb.String()))
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
