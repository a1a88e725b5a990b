package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MockLLM is an offline stand-in for local runs and tests; it never calls a model.
type MockLLM struct {
	// ChunkRunes is the size of each streamed delta (default 16).
	ChunkRunes int
	// Delay is slept between deltas.
	Delay time.Duration
}

func (m MockLLM) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if prompt.Kind == PromptOutline {
		return mockOutline(prompt.Topic)
	}
	return mockReport(prompt), nil
}

func (m MockLLM) Stream(ctx context.Context, prompt Prompt, emit func(string) error) error {
	text, err := m.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	size := m.ChunkRunes
	if size <= 0 {
		size = 16
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		if err := emit(string(runes[i:end])); err != nil {
			return err
		}
		if m.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.Delay):
			}
		}
	}
	return nil
}

func mockOutline(topic string) (string, error) {
	type node struct {
		Title    string `json:"title"`
		Children []node `json:"children,omitempty"`
	}
	leaf := func(titles ...string) []node {
		out := make([]node, 0, len(titles))
		for _, t := range titles {
			out = append(out, node{Title: t})
		}
		return out
	}
	doc := struct {
		TemplateText string `json:"template_text"`
		Outline      []node `json:"outline"`
	}{
		TemplateText: fmt.Sprintf("A disclosure-style report on %s for management and investors, grounded in emission inventories and reduction targets.", topic),
		Outline: []node{
			{Title: "Executive summary"},
			{Title: "Context and scope", Children: leaf("Reporting boundary", "Methodology")},
			{Title: "Emission profile", Children: leaf("Scope 1", "Scope 2", "Scope 3")},
			{Title: "Reduction strategy", Children: leaf("Targets", "Carbon credit position")},
			{Title: "Outlook"},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return "```json\n" + string(b) + "\n```", nil
}

func mockReport(prompt Prompt) string {
	var sb strings.Builder
	sb.WriteString("# ")
	sb.WriteString(prompt.Topic)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("This report summarizes the position on %s and the actions planned.\n\n", prompt.Topic))
	for _, line := range strings.Split(prompt.Context, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			continue
		}
		title := strings.TrimSpace(strings.TrimLeft(line, "#"))
		sb.WriteString(line)
		sb.WriteString("\n\n")
		sb.WriteString(fmt.Sprintf("Notes on %s.\n\n", strings.ToLower(title)))
	}
	return sb.String()
}
