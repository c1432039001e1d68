package queuefile

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/msageha/orchestrator/internal/model"
)

// ParseError reports malformed queue markdown. It matches model.ErrNotValid.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line <= 0 {
		return "queue file: " + e.Msg
	}
	return fmt.Sprintf("queue file line %d: %s", e.Line, e.Msg)
}

func (e *ParseError) Unwrap() error { return model.ErrNotValid }

// Format identifies how the entries of a queue file were written.
type Format string

const (
	FormatEmpty  Format = "empty"
	FormatHybrid Format = "hybrid"
	// FormatLegacy is the all-bold layout (**Status:** pending) predating metadata tables.
	FormatLegacy Format = "legacy"
)

var (
	headingRe   = regexp.MustCompile(`^([A-Z]+-[0-9]+(?:-[0-9]+)?)\s*(?::\s*(.*))?$`)
	headingIDRe = regexp.MustCompile(`^[A-Z]+-[0-9]+\b`)
	boldLineRe  = regexp.MustCompile(`^\*\*([A-Za-z][A-Za-z ]*?):\*\*\s*(.*)$`)
	stepLineRe  = regexp.MustCompile(`^[0-9]+[.)]\s+(.*)$`)
)

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

type fieldKind int

const (
	metaField fieldKind = iota
	proseField
	stepsField
)

// Canonical field names with their accepted aliases. Description and
// Expected Result are the names used by the first generation of queue files.
var fieldAliases = map[string]string{
	"status":              "status",
	"category":            "category",
	"complexity":          "complexity",
	"priority":            "priority",
	"depends on":          "depends on",
	"dependencies":        "depends on",
	"attempts":            "attempts",
	"max attempts":        "max attempts",
	"claimed by":          "claimed by",
	"lease expires":       "lease expires",
	"issue":               "issue",
	"updated":             "updated",
	"source task":         "source task",
	"retry task":          "retry task",
	"retry count":         "retry count",
	"max retries":         "max retries",
	"blocking":            "blocking",
	"objective":           "objective",
	"description":         "objective",
	"steps":               "steps",
	"acceptance criteria": "acceptance criteria",
	"expected result":     "acceptance criteria",
	"last error":          "last error",
}

func kindOf(field string) fieldKind {
	switch field {
	case "objective", "acceptance criteria", "last error":
		return proseField
	case "steps":
		return stepsField
	default:
		return metaField
	}
}

func canonicalField(name string) (string, bool) {
	f, ok := fieldAliases[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// entry is a queue item before it is typed into a Task or Issue.
type entry struct {
	id     string
	title  string
	line   int
	fields map[string]string
	steps  []string

	tableMeta bool
	boldMeta  bool
}

type entryParser struct {
	src     []byte
	entries []*entry
	cur     *entry
	// prose is the field that free text lines are appended to.
	prose string
}

func parseEntries(src []byte) ([]*entry, Format, error) {
	doc := md.Parser().Parse(text.NewReader(src))
	p := &entryParser{src: src}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if err := p.block(n); err != nil {
			return nil, "", err
		}
	}

	format := FormatEmpty
	seen := make(map[string]int, len(p.entries))
	for _, e := range p.entries {
		if prev, ok := seen[e.id]; ok {
			return nil, "", &ParseError{Line: e.line, Msg: fmt.Sprintf("duplicate id %s (first at line %d)", e.id, prev)}
		}
		seen[e.id] = e.line
		switch {
		case e.boldMeta && !e.tableMeta:
			format = FormatLegacy
		case format == FormatEmpty:
			format = FormatHybrid
		}
	}
	return p.entries, format, nil
}

func (p *entryParser) block(n ast.Node) error {
	switch n := n.(type) {
	case *ast.Heading:
		raw := strings.TrimSpace(string(linesOf(n, p.src)))
		if n.Level < 3 {
			// Section headings ("## BUILD Tasks") close the current entry.
			p.cur, p.prose = nil, ""
			return nil
		}
		m := headingRe.FindStringSubmatch(raw)
		if m == nil {
			if headingIDRe.MatchString(raw) {
				return &ParseError{Line: p.lineAt(n), Msg: fmt.Sprintf("heading %q must read \"ID: Title\"", raw)}
			}
			if p.inProse() {
				p.appendProse(strings.Repeat("#", n.Level) + " " + raw)
				return nil
			}
			p.cur, p.prose = nil, ""
			return nil
		}
		p.cur = &entry{
			id:     m[1],
			title:  strings.TrimSpace(m[2]),
			line:   p.lineAt(n),
			fields: make(map[string]string),
		}
		p.prose = ""
		p.entries = append(p.entries, p.cur)
	case *east.Table:
		if p.cur == nil {
			return nil
		}
		return p.table(n)
	case *ast.Paragraph:
		if p.cur == nil {
			return nil
		}
		return p.paragraph(n)
	case *ast.List:
		if p.cur == nil {
			return nil
		}
		p.list(n)
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if p.cur == nil {
			return nil
		}
		return p.code(n)
	}
	return nil
}

func (p *entryParser) inProse() bool {
	return p.cur != nil && p.prose != "" && kindOf(p.prose) == proseField
}

func (p *entryParser) appendProse(block string) {
	if prev := p.cur.fields[p.prose]; prev != "" {
		block = prev + "\n\n" + block
	}
	p.cur.fields[p.prose] = block
}

// code keeps code blocks that belong to a prose field. A verbatim block right
// after an empty field marker holds the whole value, as written by prose().
func (p *entryParser) code(n ast.Node) error {
	if !p.inProse() {
		return &ParseError{Line: p.lineAt(n), Msg: fmt.Sprintf("%s: code block outside a text field", p.cur.id)}
	}
	body := strings.TrimRight(string(linesOf(n, p.src)), "\n")

	fenced, ok := n.(*ast.FencedCodeBlock)
	if !ok {
		lines := strings.Split(body, "\n")
		for i, l := range lines {
			if l != "" {
				lines[i] = "    " + l
			}
		}
		p.appendProse(strings.Join(lines, "\n"))
		return nil
	}

	lang := string(fenced.Language(p.src))
	if lang == verbatimInfo && p.cur.fields[p.prose] == "" {
		p.cur.fields[p.prose] = strings.TrimSpace(body)
		return nil
	}
	fence := fenceFor(body)
	p.appendProse(fence + lang + "\n" + body + "\n" + fence)
	return nil
}

func (p *entryParser) table(t *east.Table) error {
	for row := t.FirstChild(); row != nil; row = row.NextSibling() {
		if _, ok := row.(*east.TableRow); !ok {
			continue // header row: | Field | Value |
		}
		var cells []string
		for c := row.FirstChild(); c != nil; c = c.NextSibling() {
			cells = append(cells, strings.TrimSpace(inlineText(c, p.src)))
		}
		if len(cells) < 2 {
			return &ParseError{Line: p.cur.line, Msg: fmt.Sprintf("%s: metadata row needs a field and a value", p.cur.id)}
		}
		field, ok := canonicalField(cells[0])
		if !ok {
			return &ParseError{Line: p.cur.line, Msg: fmt.Sprintf("%s: unknown field %q", p.cur.id, cells[0])}
		}
		if kindOf(field) == stepsField {
			p.cur.steps = splitList(cells[1])
		} else {
			p.cur.fields[field] = cells[1]
		}
		p.cur.tableMeta = true
	}
	return nil
}

func (p *entryParser) paragraph(n *ast.Paragraph) error {
	lines := n.Lines()
	first := true
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		line := strings.TrimSpace(string(seg.Value(p.src)))
		if line == "" {
			continue
		}
		if m := boldLineRe.FindStringSubmatch(line); m != nil {
			if field, ok := canonicalField(m[1]); ok {
				p.setField(field, strings.TrimSpace(m[2]))
				first = false
				continue
			}
		}
		if p.prose == "steps" {
			if m := stepLineRe.FindStringSubmatch(line); m != nil {
				p.cur.steps = append(p.cur.steps, strings.TrimSpace(m[1]))
				first = false
				continue
			}
		}
		if p.prose == "" || p.prose == "steps" {
			return &ParseError{Line: lineNumber(p.src, seg.Start), Msg: fmt.Sprintf("%s: unexpected text %q", p.cur.id, line)}
		}
		sep := "\n"
		if first {
			// A new paragraph continuing the same field.
			sep = "\n\n"
		}
		if prev := p.cur.fields[p.prose]; prev != "" {
			p.cur.fields[p.prose] = prev + sep + line
		} else {
			p.cur.fields[p.prose] = line
		}
		first = false
	}
	return nil
}

func (p *entryParser) setField(field, value string) {
	switch kindOf(field) {
	case metaField:
		p.cur.fields[field] = value
		p.cur.boldMeta = true
		p.prose = ""
	case stepsField:
		if value != "" {
			p.cur.steps = append(p.cur.steps, value)
		}
		p.prose = field
	case proseField:
		p.cur.fields[field] = value
		p.prose = field
	}
}

func (p *entryParser) list(l *ast.List) {
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		lines := strings.Split(blockText(item, p.src), "\n")
		for i, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			// Bold lines directly below a list are lazy continuations of its last item.
			if i > 0 {
				if m := boldLineRe.FindStringSubmatch(line); m != nil {
					if field, ok := canonicalField(m[1]); ok {
						p.setField(field, strings.TrimSpace(m[2]))
						continue
					}
				}
			}
			p.listLine(line, i == 0, l.IsOrdered())
		}
	}
}

func (p *entryParser) listLine(line string, itemStart, ordered bool) {
	switch {
	case p.prose == "steps" || p.prose == "":
		p.prose = "steps"
		if itemStart || len(p.cur.steps) == 0 {
			p.cur.steps = append(p.cur.steps, line)
			return
		}
		p.cur.steps[len(p.cur.steps)-1] += " " + line
	default:
		prev := p.cur.fields[p.prose]
		if prev != "" {
			prev += "\n"
		}
		if itemStart {
			marker := "-"
			if ordered {
				marker = "1."
			}
			line = marker + " " + line
		}
		p.cur.fields[p.prose] = prev + line
	}
}

func (p *entryParser) lineAt(n ast.Node) int {
	if lines := n.Lines(); lines.Len() > 0 {
		return lineNumber(p.src, lines.At(0).Start)
	}
	return 0
}

func lineNumber(src []byte, offset int) int {
	if offset > len(src) {
		offset = len(src)
	}
	return bytes.Count(src[:offset], []byte{'\n'}) + 1
}

func linesOf(n ast.Node, src []byte) []byte {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(bytes.TrimRight(seg.Value(src), "\r\n"))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// inlineText concatenates the literal text below an inline container.
func inlineText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch c := c.(type) {
		case *ast.Text:
			sb.Write(c.Segment.Value(src))
			if c.SoftLineBreak() || c.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.String:
			sb.Write(c.Value)
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

// blockText returns the raw source lines of the text blocks below n.
func blockText(n ast.Node, src []byte) string {
	var parts []string
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch c.(type) {
		case *ast.TextBlock, *ast.Paragraph:
			parts = append(parts, strings.TrimSpace(string(linesOf(c, src))))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(parts, "\n")
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
