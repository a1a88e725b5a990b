package generator

import (
	"encoding/json"
	"fmt"
	"strings"

	"esg_report_studio/outline"
)

// PromptKind tells a client which artifact a prompt asks for.
type PromptKind int

const (
	PromptOutline PromptKind = iota
	PromptReport
)

// Prompt is the message set sent to the model.
type Prompt struct {
	Kind    PromptKind
	Topic   string
	System  string
	User    string
	Context string // rendered outline for report prompts
	History []Message
}

// Message is one prior turn; Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// BuildOutlinePrompt asks for a report template and a nested outline as JSON.
func BuildOutlinePrompt(topic string) Prompt {
	var sb strings.Builder
	sb.WriteString("You are a senior ESG and carbon-disclosure analyst drafting the table of contents of a corporate report.\n")
	sb.WriteString("Requirements:\n")
	sb.WriteString("- Output a single JSON object and nothing else.\n")
	sb.WriteString(`- Shape: {"template_text": string, "outline": [{"title": string, "children": [...]}]}` + "\n")
	sb.WriteString("- template_text: two or three sentences describing the report's purpose and tone.\n")
	sb.WriteString("- 4 to 7 chapters, each with 0 to 5 sections; at most three levels deep.\n")
	sb.WriteString("- Cover emissions (Scope 1/2/3) and reduction targets where relevant to the topic.\n")

	return Prompt{
		Kind:   PromptOutline,
		Topic:  topic,
		System: sb.String(),
		User:   fmt.Sprintf("Topic: %s\nReturn the JSON object.", topic),
	}
}

// BuildRevisePrompt replays the outline request with previous as the model's
// earlier answer and asks for a revised one in the same shape.
func BuildRevisePrompt(topic string, previous []outline.SerializedNode) (Prompt, error) {
	p := BuildOutlinePrompt(topic)
	answer, err := json.Marshal(struct {
		Outline []outline.SerializedNode `json:"outline"`
	}{previous})
	if err != nil {
		return Prompt{}, err
	}
	p.History = []Message{
		{Role: "user", Content: p.User},
		{Role: "assistant", Content: string(answer)},
	}
	p.User = fmt.Sprintf("Revise the outline above for the topic %q. Keep chapters that still fit, tighten or replace the rest, and return the full JSON object.", topic)
	return p, nil
}

// BuildReportPrompt asks for the report body following the given chapters.
func BuildReportPrompt(spec ReportSpec) Prompt {
	var sb strings.Builder
	sb.WriteString("You are a senior ESG analyst writing a report body in Markdown. Output Markdown only.\n")
	sb.WriteString("- Start with a level-1 title, then a short executive summary paragraph.\n")
	sb.WriteString("- Follow the outline exactly: chapters as level-2 headings, sections as level-3 and below.\n")
	sb.WriteString("- Use tables for quantitative emission figures when useful; mark estimates as estimates.\n")

	ctx := renderChapters(spec.Outline.Chapters, 2)
	user := fmt.Sprintf("Topic: %s\n\nOutline:\n%s\nWrite the full report.", spec.Topic, ctx)

	return Prompt{
		Kind:    PromptReport,
		Topic:   spec.Topic,
		System:  sb.String(),
		User:    user,
		Context: ctx,
	}
}

func renderChapters(nodes []outline.SerializedNode, level int) string {
	var sb strings.Builder
	var walk func([]outline.SerializedNode, int)
	walk = func(ns []outline.SerializedNode, depth int) {
		for _, n := range ns {
			h := depth
			if h > 6 {
				h = 6
			}
			sb.WriteString(strings.Repeat("#", h))
			sb.WriteString(" ")
			sb.WriteString(n.Title)
			sb.WriteString("\n")
			walk(n.Sections, depth+1)
		}
	}
	walk(nodes, level)
	return sb.String()
}
