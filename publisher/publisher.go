package publisher

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"

	"esg_report_studio/stream"
)

var (
	ErrIncomplete  = errors.New("report is not complete")
	ErrEmptyReport = errors.New("report is empty")
)

const defaultDigestLimit = 120

// ExportOptions controls Export.
type ExportOptions struct {
	// Topic is the title used when the report has no level 1 heading.
	Topic string
	// AllowPartial exports a cancelled or failed buffer as is.
	AllowPartial bool
	// DigestLimit caps the digest length in runes (default 120).
	DigestLimit int
}

// Heading is one entry of the document's table of contents.
type Heading struct {
	Level  int
	Text   string
	Anchor string
}

// Document is a rendered report.
type Document struct {
	Title    string
	Digest   string
	Markdown string
	// HTML is a standalone page.
	HTML     string
	Headings []Heading
	Partial  bool
}

// Raw HTML stays disabled: report text comes from a model.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	goldmark.WithRendererOptions(html.WithXHTML()),
)

// Export renders the streamed report in buf.
func Export(buf stream.Buffer, opts ExportOptions) (Document, error) {
	if buf.Status != stream.Complete && !opts.AllowPartial {
		return Document{}, fmt.Errorf("%w: status %s", ErrIncomplete, buf.Status)
	}
	md := strings.TrimSpace(buf.Text)
	if md == "" {
		return Document{}, ErrEmptyReport
	}
	limit := opts.DigestLimit
	if limit <= 0 {
		limit = defaultDigestLimit
	}

	src := []byte(md + "\n")
	root := markdown.Parser().Parse(text.NewReader(src))
	doc := Document{Markdown: md + "\n", Partial: buf.Status != stream.Complete}
	var firstPara string
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			h := Heading{Level: node.Level, Text: string(node.Text(src))}
			if id, ok := node.AttributeString("id"); ok {
				if b, ok := id.([]byte); ok {
					h.Anchor = string(b)
				}
			}
			doc.Headings = append(doc.Headings, h)
			if doc.Title == "" && node.Level == 1 {
				doc.Title = h.Text
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			if firstPara == "" {
				firstPara = string(node.Text(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return Document{}, err
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSpace(opts.Topic)
	}
	if doc.Title == "" {
		doc.Title = "Report"
	}
	if firstPara != "" {
		doc.Digest = defaultDigest(firstPara, limit)
	} else {
		doc.Digest = defaultDigest(stripMarkup(md), limit)
	}

	var body bytes.Buffer
	if err := markdown.Renderer().Render(&body, src, root); err != nil {
		return Document{}, fmt.Errorf("render html: %w", err)
	}
	page, err := renderPage(doc, body.String())
	if err != nil {
		return Document{}, err
	}
	doc.HTML = page
	return doc, nil
}

// WriteFiles writes <base>.md and <base>.html into dir and returns their paths.
func WriteFiles(doc Document, dir, base string) ([]string, error) {
	if base == "" {
		base = Slug(doc.Title)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	mdPath := filepath.Join(dir, base+".md")
	htmlPath := filepath.Join(dir, base+".html")
	if err := os.WriteFile(mdPath, []byte(doc.Markdown), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(htmlPath, []byte(doc.HTML), 0o644); err != nil {
		return nil, err
	}
	return []string{mdPath, htmlPath}, nil
}

var slugRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Slug turns a title into a file name.
func Slug(title string) string {
	s := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if s == "" {
		return "report"
	}
	if r := []rune(s); len(r) > 64 {
		s = strings.TrimRight(string(r[:64]), "-")
	}
	return s
}

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="description" content="{{.Digest}}">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;line-height:1.6;max-width:52rem;margin:2rem auto;padding:0 1rem;color:#1f2933}
table{border-collapse:collapse}th,td{border:1px solid #cbd2d9;padding:.3rem .6rem}
nav.toc{border-left:3px solid #3e7c17;padding-left:1rem;margin-bottom:2rem}
.partial{background:#fff3c4;padding:.5rem 1rem}
</style>
</head>
<body>
{{if .Partial}}<p class="partial">This report is incomplete.</p>
{{end}}{{if .TOC}}<nav class="toc"><ul>
{{range .TOC}}<li style="margin-left:{{.Indent}}rem"><a href="#{{.Anchor}}">{{.Text}}</a></li>
{{end}}</ul></nav>
{{end}}<article>
{{.Body}}</article>
</body>
</html>
`))

type tocEntry struct {
	Heading
	Indent int
}

func renderPage(doc Document, body string) (string, error) {
	var toc []tocEntry
	for _, h := range doc.Headings {
		if h.Level < 2 || h.Level > 3 || h.Anchor == "" {
			continue
		}
		toc = append(toc, tocEntry{Heading: h, Indent: h.Level - 2})
	}
	var out bytes.Buffer
	err := pageTmpl.Execute(&out, struct {
		Title, Digest string
		Partial       bool
		TOC           []tocEntry
		// goldmark output is trusted because raw HTML is not rendered.
		Body template.HTML
	}{doc.Title, doc.Digest, doc.Partial, toc, template.HTML(body)})
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	return out.String(), nil
}

var markupRe = regexp.MustCompile("[#*_`>|]+")

func stripMarkup(md string) string {
	return markupRe.ReplaceAllString(md, " ")
}

func defaultDigest(md string, limit int) string {
	compact := strings.Fields(md)
	joined := strings.Join(compact, " ")
	runes := []rune(joined)
	if len(runes) <= limit {
		return joined
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
