package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutline_Shapes(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		template string
		titles   []string
	}{
		{
			name:     "plain object",
			raw:      `{"template_text":"Board report","outline":[{"title":"Intro"},{"title":"Targets"}]}`,
			template: "Board report",
			titles:   []string{"Intro", "Targets"},
		},
		{
			name:     "fenced with prose",
			raw:      "Here you go:\n```json\n{\"template_text\":\"T\",\"outline\":[{\"title\":\"A\"}]}\n```\nLet me know.",
			template: "T",
			titles:   []string{"A"},
		},
		{
			name:     "service shape",
			raw:      `{"template_text":"S","outline":{"outline":[{"title":"Scope 1"}]}}`,
			template: "S",
			titles:   []string{"Scope 1"},
		},
		{
			name:   "bare array",
			raw:    `[{"title":"Only"}]`,
			titles: []string{"Only"},
		},
		{
			name:   "chapters key",
			raw:    `{"chapters":[{"title":"Ch1","sections":[{"title":"S1"}]}]}`,
			titles: []string{"Ch1"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ParseOutline(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.template, res.TemplateText)
			var got []string
			for _, n := range res.Outline {
				got = append(got, n.Title)
			}
			assert.Equal(t, tc.titles, got)
		})
	}
}

func TestParseOutline_NestedSectionsBecomeChildren(t *testing.T) {
	res, err := ParseOutline(`{"outline":[{"title":"Emissions","sections":[{"title":"Scope 3","children":[{"title":"Category 1"}]}]}]}`)
	require.NoError(t, err)
	require.Len(t, res.Outline, 1)
	require.Len(t, res.Outline[0].Children, 1)
	assert.Equal(t, "Scope 3", res.Outline[0].Children[0].Title)
	assert.Equal(t, "Category 1", res.Outline[0].Children[0].Children[0].Title)
}

func TestParseOutline_DropsUntitledNodes(t *testing.T) {
	res, err := ParseOutline(`{"outline":[{"title":"  "},{"title":"Kept"}]}`)
	require.NoError(t, err)
	require.Len(t, res.Outline, 1)
	assert.Equal(t, "Kept", res.Outline[0].Title)
}

func TestParseOutline_Errors(t *testing.T) {
	for _, raw := range []string{
		"",
		"no json here",
		`{"template_text":"x"}`,
		`{"outline":[`,
	} {
		_, err := ParseOutline(raw)
		assert.Error(t, err, "raw %q", raw)
	}

	_, err := ParseOutline(`{"outline":[]}`)
	assert.ErrorIs(t, err, ErrEmptyOutline)
}
