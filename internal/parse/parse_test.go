package parse_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/domain"
	"storyline/internal/parse"
)

func TestParseKinds(t *testing.T) {
	cases := []struct {
		kind  domain.Kind
		raw   string
		items int
		title string
	}{
		{domain.KindEpic, `{"title":"Checkout","description":"Let users pay","tags":["pay"]}`, 1, "Checkout"},
		{domain.KindFeature, `[{"title":"Cart","description":"d"},{"title":"Pay","description":"d"}]`, 2, "Cart"},
		{domain.KindUserStory, `{"title":"As a buyer","description":"d","acceptance_criteria":"ac","priority":"high"}`, 1, "As a buyer"},
		{domain.KindTask, `[{"title":"Wire API","description":"d","estimate":"2h"}]`, 1, "Wire API"},
		{domain.KindBug, `[{"bug":{"title":"Crash","reproSteps":"1. open","systemInfo":"linux","tags":[]}}]`, 1, "Crash"},
		{domain.KindIssue, `[{"title":"Slow","description":"d","tags":["perf"]}]`, 1, "Slow"},
		{domain.KindPBI, `{"pbi":{"title":"Export","description":"d","tags":[]}}`, 1, "Export"},
		{domain.KindWBS, `{"wbs":[{"name":"Phase 1","children":[]}]}`, 1, "Phase 1"},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			res, err := parse.Parse(tc.kind, tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, res.Kind)
			require.Len(t, res.Items, tc.items)
			assert.Equal(t, tc.title, res.Items[0].Title)
			assert.True(t, json.Valid(res.Items[0].Content))
		})
	}
}

func TestParseEpicKeepsContent(t *testing.T) {
	res, err := parse.Parse(domain.KindEpic, "  ```json\n{\"title\":\"E\",\"description\":\"D\",\"summary\":\"S\"}\n```  ")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	item := res.Items[0]
	require.NotNil(t, item.Summary)
	assert.Equal(t, "S", *item.Summary)

	var content map[string]any
	require.NoError(t, json.Unmarshal(item.Content, &content))
	assert.Equal(t, "E", content["title"])
	assert.Equal(t, []any{}, content["tags"])
}

func TestParseTicketsDefaultTags(t *testing.T) {
	cases := map[domain.Kind]string{
		domain.KindBug:   `{"bug":{"title":"Crash","reproSteps":"1. open","systemInfo":"linux"}}`,
		domain.KindIssue: `[{"issue":{"title":"Slow","description":"d"}}]`,
		domain.KindPBI:   `{"title":"Export","description":"d"}`,
	}
	for kind, raw := range cases {
		t.Run(string(kind), func(t *testing.T) {
			res, err := parse.Parse(kind, raw)
			require.NoError(t, err)
			require.Len(t, res.Items, 1)
			var content map[string]any
			require.NoError(t, json.Unmarshal(res.Items[0].Content, &content))
			assert.Equal(t, []any{}, content["tags"])
		})
	}
}

func TestParseSingleArityTakesFirstElement(t *testing.T) {
	res, err := parse.Parse(domain.KindEpic, `[{"title":"first","description":"d"},{"title":"second","description":"d"}]`)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "first", res.Items[0].Title)
}

func TestParseUpdateYieldsOneItem(t *testing.T) {
	res, err := parse.ParseUpdate(domain.KindFeature, `[{"title":"a","description":"d"},{"title":"b","description":"d"}]`)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "a", res.Items[0].Title)
}

func TestParseTestCase(t *testing.T) {
	raw := `[{"priority":"high","title":"Login works","gherkin":{"given":"a user","when":"they log in","then":"they see home"},
		"actions":[{"step":"open page","expected_result":"form shown"},{"step":"submit","expected_result":"home shown"}]}]`
	res, err := parse.Parse(domain.KindTestCase, raw)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, "Login works", item.Title)
	require.Len(t, item.Steps, 2)
	assert.Equal(t, parse.Step{Step: "submit", ExpectedResult: "home shown"}, item.Steps[1])

	var gherkin map[string]any
	require.NoError(t, json.Unmarshal(item.Gherkin, &gherkin))
	assert.Equal(t, "a user", gherkin["given"])
}

func TestParseRejects(t *testing.T) {
	cases := map[string]struct {
		kind domain.Kind
		raw  string
	}{
		"invalid json":         {domain.KindFeature, `{"title":`},
		"not json":             {domain.KindTask, `here are your tasks`},
		"missing description":  {domain.KindEpic, `{"title":"only a title"}`},
		"blank title":          {domain.KindFeature, `{"title":"  ","description":"d"}`},
		"empty array":          {domain.KindFeature, `[]`},
		"action missing field": {domain.KindTestCase, `{"priority":"p","title":"t","gherkin":{},"actions":[{"step":"s"}]}`},
		"empty wbs":            {domain.KindWBS, `{"wbs":[]}`},
		"type mismatch":        {domain.KindBug, `[{"title":1,"reproSteps":"r","systemInfo":"s"}]`},
		"second item invalid":  {domain.KindIssue, `[{"title":"a","description":"d"},{"title":"b"}]`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := parse.Parse(tc.kind, tc.raw)
			require.Error(t, err)
			assert.Empty(t, res.Items)

			var perr *parse.ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tc.kind, perr.Kind)
			assert.Equal(t, tc.raw, perr.Raw)
			assert.Contains(t, err.Error(), parse.Marker)
		})
	}
}

func TestParseMissingFieldNamesField(t *testing.T) {
	_, err := parse.Parse(domain.KindUserStory, `{"title":"t","description":"d","priority":"low"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acceptance_criteria")
}

func TestParseAutomationScript(t *testing.T) {
	res, err := parse.Parse(domain.KindAutomationScript, "/*\n  cy.visit('/login')\n*/")
	require.NoError(t, err)
	assert.Equal(t, "cy.visit('/login')", res.Script)
	assert.Empty(t, res.Items)

	for name, raw := range map[string]string{
		"no markers":    "cy.visit('/')",
		"text outside":  "here: /* cy.visit('/') */",
		"empty body":    "/*   */",
		"missing close": "/* cy.visit('/')",
		"two blocks":    "/* a */ /* b */",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parse.Parse(domain.KindAutomationScript, raw)
			var perr *parse.ParseError
			require.True(t, errors.As(err, &perr), "got %v", err)
		})
	}
}

func TestParseUnknownKind(t *testing.T) {
	_, err := parse.Parse(domain.Kind("roadmap"), `{}`)
	require.ErrorIs(t, err, parse.ErrUnknownKind)
	_, ok := parse.Lookup(domain.Kind("roadmap"))
	assert.False(t, ok)
}
