package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"esg_report_studio/stream"
)

// Agent drafts outlines and streams report bodies from an LLMClient.
type Agent struct {
	llm    LLMClient
	logger *slog.Logger
}

func NewAgent(llm LLMClient, logger *slog.Logger) (*Agent, error) {
	if llm == nil {
		return nil, errors.New("llm client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{llm: llm, logger: logger}, nil
}

// Outline drafts a template text and an outline for topic.
func (a *Agent) Outline(ctx context.Context, topic string) (OutlineResult, error) {
	return a.Draft(ctx, OutlineRequest{Topic: topic})
}

// Draft answers an outline request, revising req.Previous when it is set.
func (a *Agent) Draft(ctx context.Context, req OutlineRequest) (OutlineResult, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return OutlineResult{}, ErrEmptyTopic
	}
	prompt := BuildOutlinePrompt(topic)
	if len(req.Previous) > 0 {
		var err error
		if prompt, err = BuildRevisePrompt(topic, req.Previous); err != nil {
			return OutlineResult{}, err
		}
	}
	raw, err := a.llm.Complete(ctx, prompt)
	if err != nil {
		return OutlineResult{}, fmt.Errorf("outline completion: %w", err)
	}
	res, err := ParseOutline(raw)
	if err != nil {
		a.logger.Warn("outline reply rejected", "topic", topic, "err", err)
		return OutlineResult{}, err
	}
	a.logger.Debug("outline drafted", "topic", topic, "chapters", len(res.Outline), "revised", len(req.Previous) > 0)
	return res, nil
}

// Report streams the body for spec through emit, in model order.
func (a *Agent) Report(ctx context.Context, spec ReportSpec, emit func(string) error) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	chunks := 0
	err := a.llm.Stream(ctx, BuildReportPrompt(spec), func(delta string) error {
		chunks++
		return emit(delta)
	})
	if err != nil {
		return fmt.Errorf("report stream: %w", err)
	}
	a.logger.Debug("report streamed", "topic", spec.Topic, "chunks", chunks)
	return nil
}

// WriteReport streams the body for spec to w as wire frames, calling flush
// after each one, and returns the number of payload frames written. The
// stream ends with a done frame, or with an error frame when generation fails
// part way; that error is also returned.
func (a *Agent) WriteReport(ctx context.Context, spec ReportSpec, w io.Writer, flush func()) (int, error) {
	if flush == nil {
		flush = func() {}
	}
	frames := 0
	err := a.Report(ctx, spec, func(delta string) error {
		frame, err := stream.PayloadFrame(delta)
		if err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		frames++
		flush()
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			_, _ = w.Write(stream.ErrorFrame(err.Error()))
			flush()
		}
		return frames, err
	}
	if _, err := w.Write(stream.DoneFrame()); err != nil {
		return frames, err
	}
	flush()
	return frames, nil
}
