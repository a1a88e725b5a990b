package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"esg_report_studio/generator"
	"esg_report_studio/stream"
)

const (
	OutlinePath = "/generate-outline-from-topic"
	ReportPath  = "/generate-report"
)

// HTTPService talks to a remote generation service.
type HTTPService struct {
	BaseURL string
	// Client must not set a Timeout; it would cut long report streams.
	Client *http.Client
	// Timeout bounds outline requests only.
	Timeout time.Duration
}

func NewHTTPService(baseURL string, timeout time.Duration) *HTTPService {
	return &HTTPService{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{}, Timeout: timeout}
}

func (h *HTTPService) client() *http.Client {
	if h.Client == nil {
		return http.DefaultClient
	}
	return h.Client
}

func (h *HTTPService) url(path string) string {
	return strings.TrimRight(h.BaseURL, "/") + path
}

// GenerateOutline posts the request and decodes the drafted outline.
func (h *HTTPService) GenerateOutline(ctx context.Context, outlineReq generator.OutlineRequest) (generator.OutlineResult, error) {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(outlineReq)
	if err != nil {
		return generator.OutlineResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url(OutlinePath), bytes.NewReader(body))
	if err != nil {
		return generator.OutlineResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client().Do(req)
	if err != nil {
		return generator.OutlineResult{}, fmt.Errorf("%w: %w", stream.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return generator.OutlineResult{}, fmt.Errorf("%w: status %d: %s", stream.ErrTransport, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out generator.OutlineResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return generator.OutlineResult{}, fmt.Errorf("%w: decode outline: %w", stream.ErrTransport, err)
	}
	res := out.Result()
	if len(res.Outline) == 0 {
		return generator.OutlineResult{}, generator.ErrEmptyOutline
	}
	return res, nil
}

// StartReport opens the report stream against the service.
func (h *HTTPService) StartReport(ctx context.Context, spec generator.ReportSpec, in *stream.Ingester) *stream.Handle {
	return stream.Start(ctx, h.client(), stream.Request{URL: h.url(ReportPath), Body: spec}, in)
}

// AgentService runs generation in process.
type AgentService struct {
	Agent *generator.Agent
}

func (a AgentService) GenerateOutline(ctx context.Context, req generator.OutlineRequest) (generator.OutlineResult, error) {
	return a.Agent.Draft(ctx, req)
}

func (a AgentService) StartReport(ctx context.Context, spec generator.ReportSpec, in *stream.Ingester) *stream.Handle {
	return stream.Produce(ctx, in, func(ctx context.Context, w io.Writer) error {
		_, err := a.Agent.WriteReport(ctx, spec, w, nil)
		return err
	})
}
