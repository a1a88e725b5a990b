package generator

import (
	"errors"
	"strings"

	"esg_report_studio/outline"
)

var (
	ErrEmptyTopic   = errors.New("topic is required")
	ErrEmptyOutline = errors.New("outline has no chapters")
)

// OutlineResult is a drafted outline for a topic.
type OutlineResult struct {
	TemplateText string
	Outline      []outline.RawNode
}

// OutlineRequest is the body of POST /generate-outline-from-topic. Previous,
// when set, is an outline for the same topic that the model should revise.
type OutlineRequest struct {
	Topic    string                   `json:"topic"`
	Previous []outline.SerializedNode `json:"previous,omitempty"`
}

// OutlineResponse is the wire reply of the outline endpoint.
type OutlineResponse struct {
	TemplateText string `json:"template_text"`
	Outline      struct {
		Outline []outline.RawNode `json:"outline"`
	} `json:"outline"`
}

// Response converts r to its wire form.
func (r OutlineResult) Response() OutlineResponse {
	var resp OutlineResponse
	resp.TemplateText = r.TemplateText
	resp.Outline.Outline = r.Outline
	if resp.Outline.Outline == nil {
		resp.Outline.Outline = []outline.RawNode{}
	}
	return resp
}

// Result converts the wire reply back.
func (r OutlineResponse) Result() OutlineResult {
	return OutlineResult{TemplateText: r.TemplateText, Outline: r.Outline.Outline}
}

// ReportSpec is the body of POST /generate-report.
type ReportSpec struct {
	Topic   string          `json:"topic"`
	Outline outline.Payload `json:"outline"`
}

// Validate rejects an empty topic or outline.
func (s ReportSpec) Validate() error {
	if strings.TrimSpace(s.Topic) == "" {
		return ErrEmptyTopic
	}
	if len(s.Outline.Chapters) == 0 {
		return ErrEmptyOutline
	}
	return nil
}
