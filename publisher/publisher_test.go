package publisher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esg_report_studio/stream"
)

const sampleReport = `# Climate Transition Plan

This plan sets out how the group reaches **net zero** by 2040 across its operations.

## Governance

Board oversight sits with the sustainability committee.

### Incentives

| Metric | Weight |
|--------|--------|
| Scope 1 | 20% |

## Metrics <script>alert(1)</script>

Targets are reviewed yearly.
`

func TestExport(t *testing.T) {
	doc, err := Export(stream.Buffer{Text: sampleReport, Status: stream.Complete}, ExportOptions{Topic: "ignored"})
	require.NoError(t, err)

	assert.Equal(t, "Climate Transition Plan", doc.Title)
	assert.Equal(t, "This plan sets out how the group reaches net zero by 2040 across its operations.", doc.Digest)
	assert.False(t, doc.Partial)
	require.Len(t, doc.Headings, 4)
	assert.Equal(t, Heading{Level: 2, Text: "Governance", Anchor: "governance"}, doc.Headings[1])

	assert.Contains(t, doc.HTML, "<title>Climate Transition Plan</title>")
	assert.Contains(t, doc.HTML, "<table>")
	assert.Contains(t, doc.HTML, `<a href="#governance">Governance</a>`)
	assert.Contains(t, doc.HTML, `<strong>net zero</strong>`)
	assert.NotContains(t, doc.HTML, "<script>")
	assert.NotContains(t, doc.HTML, "incomplete")
	assert.True(t, strings.HasSuffix(doc.Markdown, "yearly.\n"))
}

func TestExport_RequiresComplete(t *testing.T) {
	buf := stream.Buffer{Text: "## Partial body", Status: stream.Cancelled}
	_, err := Export(buf, ExportOptions{Topic: "Water"})
	assert.ErrorIs(t, err, ErrIncomplete)

	doc, err := Export(buf, ExportOptions{Topic: "Water", AllowPartial: true})
	require.NoError(t, err)
	assert.True(t, doc.Partial)
	assert.Equal(t, "Water", doc.Title)
	assert.Contains(t, doc.HTML, "This report is incomplete.")
}

func TestExport_Empty(t *testing.T) {
	_, err := Export(stream.Buffer{Text: " \n", Status: stream.Complete}, ExportOptions{})
	assert.ErrorIs(t, err, ErrEmptyReport)
}

func TestExport_DigestLimit(t *testing.T) {
	body := "# T\n\n" + strings.Repeat("탄소 ", 100)
	doc, err := Export(stream.Buffer{Text: body, Status: stream.Complete}, ExportOptions{DigestLimit: 10})
	require.NoError(t, err)
	assert.Equal(t, "탄소 탄소 탄소 탄…", doc.Digest)
}

func TestExport_FallbackTitle(t *testing.T) {
	doc, err := Export(stream.Buffer{Text: "Plain text only.", Status: stream.Complete}, ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Report", doc.Title)
	assert.Equal(t, "Plain text only.", doc.Digest)
}

func TestWriteFiles(t *testing.T) {
	doc, err := Export(stream.Buffer{Text: sampleReport, Status: stream.Complete}, ExportOptions{})
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "out")

	paths, err := WriteFiles(doc, dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "climate-transition-plan.md"),
		filepath.Join(dir, "climate-transition-plan.html"),
	}, paths)

	md, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, doc.Markdown, string(md))
	page, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, doc.HTML, string(page))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "scope-3-emissions-2024", Slug("Scope 3 emissions (2024)"))
	assert.Equal(t, "탄소중립-전략", Slug("탄소중립 전략!"))
	assert.Equal(t, "report", Slug("!!!"))
}

func TestRenderTerminal(t *testing.T) {
	assert.Empty(t, RenderTerminal("  ", 80, false))
	out := RenderTerminal(sampleReport, 80, false)
	assert.Contains(t, out, "Climate Transition Plan")
	assert.Contains(t, out, "Governance")
}
