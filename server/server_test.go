package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esg_report_studio/generator"
	"esg_report_studio/outline"
	"esg_report_studio/stream"
	"esg_report_studio/workflow"
)

type brokenLLM struct{}

func (brokenLLM) Complete(context.Context, generator.Prompt) (string, error) {
	return "", errors.New("quota exceeded")
}

func (brokenLLM) Stream(_ context.Context, _ generator.Prompt, emit func(string) error) error {
	if err := emit("# Partial"); err != nil {
		return err
	}
	return errors.New("quota exceeded")
}

func newTestServer(t *testing.T, llm generator.LLMClient) (*Server, *httptest.Server) {
	t.Helper()
	agent, err := generator.NewAgent(llm, nil)
	require.NoError(t, err)
	srv, err := New(agent, Options{NewID: outline.SequentialIDs("n")})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestNew_RequiresAgent(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})
	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestOutlineEndpoint(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})
	resp := postJSON(t, ts.URL+workflow.OutlinePath, generator.OutlineRequest{Topic: "Green bonds"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode[generator.OutlineResponse](t, resp)
	assert.Contains(t, out.TemplateText, "Green bonds")
	assert.Len(t, out.Outline.Outline, 5)
}

func TestOutlineEndpoint_Errors(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})

	resp := postJSON(t, ts.URL+workflow.OutlinePath, generator.OutlineRequest{Topic: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(ts.URL + workflow.OutlinePath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	_, broken := newTestServer(t, brokenLLM{})
	resp = postJSON(t, broken.URL+workflow.OutlinePath, generator.OutlineRequest{Topic: "x"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func reportSpec() generator.ReportSpec {
	tree := outline.Normalize([]outline.RawNode{
		{Title: "Governance", Children: []outline.RawNode{{Title: "Board oversight"}}},
		{Title: "Metrics"},
	}, nil)
	return generator.ReportSpec{Topic: "Climate risk", Outline: tree.Serialize()}
}

func TestReportEndpoint_Streams(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{ChunkRunes: 4})

	in := stream.NewIngester()
	buf := stream.Start(context.Background(), ts.Client(), stream.Request{URL: ts.URL + workflow.ReportPath, Body: reportSpec()}, in).Wait()

	require.Equal(t, stream.Complete, buf.Status)
	assert.True(t, strings.HasPrefix(buf.Text, "# Climate risk\n"))
	assert.Contains(t, buf.Text, "### Board oversight")
}

func TestReportEndpoint_Headers(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})
	resp := postJSON(t, ts.URL+workflow.ReportPath, reportSpec())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(body), string(stream.DoneFrame())))
}

func TestReportEndpoint_InvalidSpec(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})

	in := stream.NewIngester()
	buf := stream.Start(context.Background(), ts.Client(), stream.Request{URL: ts.URL + workflow.ReportPath, Body: generator.ReportSpec{Topic: "x"}}, in).Wait()
	assert.Equal(t, stream.Failed, buf.Status)
	assert.Contains(t, buf.Err.Error(), "400")
}

func TestReportEndpoint_LLMFailureSendsErrorFrame(t *testing.T) {
	_, ts := newTestServer(t, brokenLLM{})

	in := stream.NewIngester()
	buf := stream.Start(context.Background(), ts.Client(), stream.Request{URL: ts.URL + workflow.ReportPath, Body: reportSpec()}, in).Wait()
	assert.Equal(t, stream.Failed, buf.Status)
	assert.Equal(t, "# Partial", buf.Text)
	assert.Contains(t, buf.Err.Error(), "quota exceeded")
}

func TestSessionLifecycle(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{ChunkRunes: 32})

	resp := postJSON(t, ts.URL+"/api/sessions", map[string]string{"topic": "Circular packaging"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	view := decode[sessionResp](t, resp)
	require.NotEmpty(t, view.SessionID)
	assert.Equal(t, "/api/sessions/"+view.SessionID, resp.Header.Get("Location"))
	assert.Equal(t, "Circular packaging", view.Topic)
	assert.Len(t, view.Chapters, 5)
	assert.Equal(t, "idle", view.Report.Status)

	base := ts.URL + "/api/sessions/" + view.SessionID

	resp = postJSON(t, base+"/edits", editReq{Op: "edit", ID: "n1", Title: "Summary"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view = decode[sessionResp](t, resp)
	assert.Equal(t, "Summary", view.Chapters[0].Title)

	resp = postJSON(t, base+"/edits", editReq{Op: "add", ParentID: "n1"})
	view = decode[sessionResp](t, resp)
	require.NotEmpty(t, view.AddedID)
	require.Len(t, view.Chapters[0].Sections, 1)
	assert.Equal(t, outline.DefaultTitle, view.Chapters[0].Sections[0].Title)

	resp = postJSON(t, base+"/edits", editReq{Op: "reorder", From: 0, To: 4})
	view = decode[sessionResp](t, resp)
	assert.Equal(t, "Summary", view.Chapters[4].Title)

	resp = postJSON(t, base+"/edits", editReq{Op: "delete", ID: "n1"})
	view = decode[sessionResp](t, resp)
	assert.Len(t, view.Chapters, 4)

	resp = postJSON(t, base+"/edits", editReq{Op: "delete", ID: "missing"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[sessionResp](t, resp).Chapters, 4)

	resp = postJSON(t, base+"/edits", editReq{Op: "drag"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, base+"/report", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		r, err := http.Get(base + "/report")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var v sessionResp
		if json.NewDecoder(r.Body).Decode(&v) != nil {
			return false
		}
		view = v
		return v.Report.Status == "complete"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(view.Report.Text, "# Circular packaging\n"))
	assert.NotContains(t, view.Report.Text, "## Summary")

	req, err := http.NewRequest(http.MethodDelete, base, nil)
	require.NoError(t, err)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusNoContent, r.StatusCode)

	r, err = http.Get(base)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestSessionCreate_WithSuppliedOutline(t *testing.T) {
	_, ts := newTestServer(t, brokenLLM{})

	resp := postJSON(t, ts.URL+"/api/sessions", sessionCreateReq{
		Topic:        "Labour practices",
		TemplateText: "Supplier audit",
		Outline:      []outline.RawNode{{ID: "keep", Title: "Audits"}, {Title: "Remediation"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	view := decode[sessionResp](t, resp)
	assert.Equal(t, "Supplier audit", view.TemplateText)
	require.Len(t, view.Chapters, 2)
	assert.Equal(t, "keep", view.Chapters[0].ID)
	assert.Equal(t, "n1", view.Chapters[1].ID)
}

func TestSessionCreate_OutlineFailure(t *testing.T) {
	srv, ts := newTestServer(t, brokenLLM{})
	resp := postJSON(t, ts.URL+"/api/sessions", map[string]string{"topic": "x"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, srv.store.drain())
}

func TestSessionReport_RequiresOutline(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})
	resp := postJSON(t, ts.URL+"/api/sessions", map[string]string{"topic": "Waste"})
	view := decode[sessionResp](t, resp)
	base := ts.URL + "/api/sessions/" + view.SessionID

	resp = postJSON(t, base+"/edits", editReq{Op: "topic", Title: "Water"})
	view = decode[sessionResp](t, resp)
	assert.Empty(t, view.Chapters)
	assert.NotNil(t, view.Chapters)

	resp = postJSON(t, base+"/report", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})
	resp, err := http.Get(ts.URL + "/api/sessions/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})
	req, err := http.NewRequest(http.MethodOptions, ts.URL+workflow.ReportPath, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestMetrics(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})
	postJSON(t, ts.URL+workflow.OutlinePath, generator.OutlineRequest{Topic: "Green bonds"})
	resp := postJSON(t, ts.URL+workflow.ReportPath, reportSpec())
	_, _ = io.Copy(io.Discard, resp.Body)

	r, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `esg_report_outline_requests_total{result="ok"} 1`)
	assert.Contains(t, text, `esg_report_report_streams_total{result="complete"} 1`)
	assert.Contains(t, text, "esg_report_report_chunks_total")
	assert.Contains(t, text, `route="/generate-report"`)
}

func TestClientAgainstServer(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{ChunkRunes: 5})
	svc := workflow.NewHTTPService(ts.URL, time.Second)

	sess, err := workflow.NewSession("cli", "Energy transition", workflow.Services{Outlines: svc, Reports: svc}, nil)
	require.NoError(t, err)
	defer sess.Close()

	tree, err := sess.GenerateOutline(context.Background())
	require.NoError(t, err)
	require.NoError(t, tree.Validate())

	require.NoError(t, sess.StartReport(context.Background()))
	buf, err := sess.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stream.Complete, buf.Status)
	assert.Contains(t, buf.Text, "## Outlook")
}

func TestRouteOf(t *testing.T) {
	assert.Equal(t, "/api/sessions/{id}", routeOf("/api/sessions/abc"))
	assert.Equal(t, "/api/sessions/{id}/edits", routeOf("/api/sessions/abc/edits"))
	assert.Equal(t, "/generate-report", routeOf("/generate-report"))
	assert.Equal(t, "other", routeOf("/favicon.ico"))
}

func TestSessionEdit_Replace(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})
	resp := postJSON(t, ts.URL+"/api/sessions", map[string]string{"topic": "Waste"})
	view := decode[sessionResp](t, resp)
	base := ts.URL + "/api/sessions/" + view.SessionID

	tree := outline.FromNodes([]outline.Node{{ID: "x", Title: "Only", Children: []outline.Node{{ID: "y", Title: "Child"}}}})
	resp = postJSON(t, base+"/edits", editReq{Op: "replace", Outline: &tree})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view = decode[sessionResp](t, resp)
	assert.Equal(t, []string{"x", "y"}, view.Outline.IDs())

	dup := outline.FromNodes([]outline.Node{{ID: "x", Title: "A"}, {ID: "x", Title: "B"}})
	resp = postJSON(t, base+"/edits", editReq{Op: "replace", Outline: &dup})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, base+"/edits", editReq{Op: "replace"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionEdit_Regenerate(t *testing.T) {
	_, ts := newTestServer(t, generator.MockLLM{})
	resp := postJSON(t, ts.URL+"/api/sessions", map[string]string{"topic": "Waste"})
	view := decode[sessionResp](t, resp)
	base := ts.URL + "/api/sessions/" + view.SessionID

	resp = postJSON(t, base+"/edits", editReq{Op: "delete", ID: "n1"})
	require.Len(t, decode[sessionResp](t, resp).Chapters, 4)

	resp = postJSON(t, base+"/edits", editReq{Op: "regenerate"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[sessionResp](t, resp).Chapters, 5)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(generator.ErrEmptyTopic))
	assert.Equal(t, http.StatusConflict, statusFor(workflow.ErrTopicChanged))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusBadGateway, statusFor(errors.New("upstream")))
}
