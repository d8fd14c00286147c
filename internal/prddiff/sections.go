package prddiff

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Section is a heading-delimited slice of a requirements document.
type Section struct {
	Key     string // heading path, unique within the document
	Title   string
	Level   int // 0 for the preamble
	Content string
	// Contracts holds the normalized fenced code blocks and tables of the
	// section body. Changes to these are treated as contract changes.
	Contracts []string
}

const preambleKey = "(preamble)"

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Split segments src into sections at top-level headings. Headings inside
// code blocks, lists or quotes do not start a section.
func Split(src string) []Section {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	type boundary struct {
		start int
		title string
		level int
	}
	var bounds []boundary
	contracts := map[int][]string{} // boundary index -> contracts
	current := -1

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch n.Kind() {
		case ast.KindHeading:
			h := n.(*ast.Heading)
			if h.Lines().Len() == 0 {
				continue
			}
			bounds = append(bounds, boundary{
				start: lineStart(source, h.Lines().At(0).Start),
				title: plainText(h, source),
				level: h.Level,
			})
			current = len(bounds) - 1
		case ast.KindFencedCodeBlock, ast.KindCodeBlock, east.KindTable:
			contracts[current] = append(contracts[current], contract(n, source))
		}
	}

	var sections []Section
	end := len(source)
	if len(bounds) > 0 {
		end = bounds[0].start
	}
	if pre := string(source[:end]); strings.TrimSpace(pre) != "" {
		sections = append(sections, Section{
			Key:       preambleKey,
			Content:   pre,
			Contracts: contracts[-1],
		})
	}

	var path []boundary
	seen := map[string]int{}
	for i, b := range bounds {
		end := len(source)
		if i+1 < len(bounds) {
			end = bounds[i+1].start
		}
		for len(path) > 0 && path[len(path)-1].level >= b.level {
			path = path[:len(path)-1]
		}
		path = append(path, b)

		titles := make([]string, len(path))
		for j, p := range path {
			titles[j] = normalizeHeading(p.title)
		}
		key := strings.Join(titles, " > ")
		seen[key]++
		if n := seen[key]; n > 1 {
			key = fmt.Sprintf("%s #%d", key, n)
		}

		sections = append(sections, Section{
			Key:       key,
			Title:     b.title,
			Level:     b.level,
			Content:   string(source[b.start:end]),
			Contracts: contracts[i],
		})
	}
	return sections
}

// Headings returns the titles of the top-level headings in src.
func Headings(src string) []string {
	var titles []string
	for _, s := range Split(src) {
		if s.Level > 0 {
			titles = append(titles, s.Title)
		}
	}
	return titles
}

func lineStart(src []byte, pos int) int {
	if i := bytes.LastIndexByte(src[:pos], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

func normalizeHeading(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// contract renders a code block or table into a whitespace-normalized form.
func contract(n ast.Node, src []byte) string {
	var sb strings.Builder
	switch node := n.(type) {
	case *ast.FencedCodeBlock:
		sb.WriteString("code:")
		sb.Write(node.Language(src))
		sb.WriteString("\n")
		writeLines(&sb, node.Lines(), src)
	case *ast.CodeBlock:
		sb.WriteString("code:\n")
		writeLines(&sb, node.Lines(), src)
	default:
		sb.WriteString("table:\n")
		for row := n.FirstChild(); row != nil; row = row.NextSibling() {
			var cells []string
			for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
				cells = append(cells, collapse(plainText(cell, src)))
			}
			sb.WriteString(strings.Join(cells, "|"))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func writeLines(sb *strings.Builder, lines *text.Segments, src []byte) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		line := collapse(string(seg.Value(src)))
		if line == "" {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
}

// plainText concatenates the inline text beneath n.
func plainText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteString(" ")
			}
		case *ast.String:
			sb.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
