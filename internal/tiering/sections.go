package tiering

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Section is one structural unit of a payload: a markdown heading and
// the text up to the next heading, or a blank-line separated block for
// payloads without headings.
type Section struct {
	Title string // heading text, empty for a preamble or plain block
	Level int    // heading level, 0 when there is no heading
	Body  string // full text including the heading line
}

// Outline counts the structure of a payload.
type Outline struct {
	Sections   int
	ListItems  int
	CodeBlocks int
	Lines      int
}

var md = goldmark.New()

// Parse splits payload into sections and counts its structure. Markdown
// headings delimit sections; without headings the payload is split on
// blank lines.
func Parse(payload []byte) ([]Section, Outline) {
	doc := md.Parser().Parse(text.NewReader(payload))

	var out Outline
	out.Lines = bytes.Count(payload, []byte("\n"))
	if len(payload) > 0 && payload[len(payload)-1] != '\n' {
		out.Lines++
	}

	type mark struct {
		start int
		title string
		level int
	}
	var marks []mark

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Parent() == doc && node.Lines().Len() > 0 {
				seg := node.Lines().At(0)
				marks = append(marks, mark{
					start: lineStart(payload, seg.Start),
					title: strings.TrimSpace(string(node.Text(payload))),
					level: node.Level,
				})
			}
		case *ast.ListItem:
			out.ListItems++
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			out.CodeBlocks++
		}
		return ast.WalkContinue, nil
	})

	var sections []Section
	if len(marks) == 0 {
		sections = paragraphs(payload)
	} else {
		if pre := strings.TrimSpace(string(payload[:marks[0].start])); pre != "" {
			sections = append(sections, Section{Body: pre})
		}
		for i, m := range marks {
			end := len(payload)
			if i+1 < len(marks) {
				end = marks[i+1].start
			}
			sections = append(sections, Section{
				Title: m.title,
				Level: m.level,
				Body:  strings.TrimRight(string(payload[m.start:end]), "\n"),
			})
		}
	}
	out.Sections = len(sections)
	return sections, out
}

// Find returns the section whose title matches name, case-insensitively.
// An exact title match wins over a substring match.
func Find(payload []byte, name string) (Section, bool) {
	sections, _ := Parse(payload)
	name = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(name), "#"))
	if name == "" {
		return Section{}, false
	}
	for _, s := range sections {
		if s.Title != "" && strings.EqualFold(s.Title, name) {
			return s, true
		}
	}
	lower := strings.ToLower(name)
	for _, s := range sections {
		if s.Title != "" && strings.Contains(strings.ToLower(s.Title), lower) {
			return s, true
		}
	}
	return Section{}, false
}

func paragraphs(payload []byte) []Section {
	var out []Section
	for _, block := range strings.Split(string(payload), "\n\n") {
		if b := strings.Trim(block, "\n"); strings.TrimSpace(b) != "" {
			out = append(out, Section{Body: b})
		}
	}
	return out
}

// lineStart returns the offset of the first byte of the line holding pos.
func lineStart(src []byte, pos int) int {
	if pos > len(src) {
		pos = len(src)
	}
	if i := bytes.LastIndexByte(src[:pos], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}
