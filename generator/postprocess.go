package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"esg_report_studio/outline"
)

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// ParseOutline extracts the outline JSON from a model reply. The object may
// be fenced or surrounded by prose; the outline may be a bare array, an
// "outline" array, or the service shape {"outline":{"outline":[...]}}.
func ParseOutline(raw string) (OutlineResult, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return OutlineResult{}, errors.New("model returned empty outline")
	}
	if m := fenceRe.FindStringSubmatch(text); len(m) == 2 {
		text = strings.TrimSpace(m[1])
	}
	doc := extractJSON(text)
	if doc == "" || !gjson.Valid(doc) {
		return OutlineResult{}, fmt.Errorf("model reply is not an outline object: %q", shorten(text, 80))
	}

	root := gjson.Parse(doc)
	var res OutlineResult
	var list gjson.Result
	switch {
	case root.IsArray():
		list = root
	case root.Get("outline").IsArray():
		list = root.Get("outline")
	case root.Get("outline.outline").IsArray():
		list = root.Get("outline.outline")
	case root.Get("chapters").IsArray():
		list = root.Get("chapters")
	default:
		return OutlineResult{}, errors.New("model reply has no outline list")
	}
	res.TemplateText = strings.TrimSpace(root.Get("template_text").String())

	var nodes []looseNode
	if err := json.Unmarshal([]byte(list.Raw), &nodes); err != nil {
		return OutlineResult{}, fmt.Errorf("decode outline: %w", err)
	}
	res.Outline = toRaw(nodes)
	if len(res.Outline) == 0 {
		return OutlineResult{}, ErrEmptyOutline
	}
	return res, nil
}

// looseNode accepts the child key models tend to pick.
type looseNode struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Children []looseNode `json:"children"`
	Sections []looseNode `json:"sections"`
}

func toRaw(nodes []looseNode) []outline.RawNode {
	if len(nodes) == 0 {
		return nil
	}
	out := make([]outline.RawNode, 0, len(nodes))
	for _, n := range nodes {
		title := strings.TrimSpace(n.Title)
		if title == "" {
			continue
		}
		kids := n.Children
		if len(kids) == 0 {
			kids = n.Sections
		}
		out = append(out, outline.RawNode{ID: n.ID, Title: title, Children: toRaw(kids)})
	}
	return out
}

// extractJSON returns the outermost {...} or [...] span of s.
func extractJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return ""
	}
	return s[start : end+1]
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
