// Package parse turns raw provider output into validated artifact payloads.
// Everything here is pure: no I/O, no partial results.
package parse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"storyline/internal/domain"
)

// Marker prefixes every ParseError message.
const Marker = "parse error"

var ErrUnknownKind = errors.New("unknown artifact kind")

// ParseError carries the offending raw text for diagnostics.
type ParseError struct {
	Kind domain.Kind
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s: %v", Marker, e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Arity is the number of artifacts a kind conventionally produces per generation.
type Arity int

const (
	One Arity = iota + 1
	Many
)

type Step struct {
	Step           string
	ExpectedResult string
}

// Item is one validated artifact payload. Content is the payload re-encoded
// from its typed schema; Gherkin and Steps are set for test cases only.
type Item struct {
	Title   string
	Summary *string
	Content json.RawMessage
	Gherkin json.RawMessage
	Steps   []Step
}

type Result struct {
	Kind   domain.Kind
	Items  []Item
	Script string
}

// Parser validates output for one kind.
type Parser struct {
	Kind    domain.Kind
	Arity   Arity
	wrapper string
	decode  func(raw json.RawMessage) (Item, error)
}

var parsers = map[domain.Kind]Parser{
	domain.KindEpic:             {Kind: domain.KindEpic, Arity: One, decode: decodeEpic},
	domain.KindFeature:          {Kind: domain.KindFeature, Arity: Many, decode: decodeFeature},
	domain.KindUserStory:        {Kind: domain.KindUserStory, Arity: Many, decode: decodeUserStory},
	domain.KindTask:             {Kind: domain.KindTask, Arity: Many, decode: decodeTask},
	domain.KindBug:              {Kind: domain.KindBug, Arity: Many, wrapper: "bug", decode: decodeBug},
	domain.KindIssue:            {Kind: domain.KindIssue, Arity: Many, wrapper: "issue", decode: decodeTicket},
	domain.KindPBI:              {Kind: domain.KindPBI, Arity: Many, wrapper: "pbi", decode: decodeTicket},
	domain.KindTestCase:         {Kind: domain.KindTestCase, Arity: Many, decode: decodeTestCase},
	domain.KindWBS:              {Kind: domain.KindWBS, Arity: One, decode: decodeWBS},
	domain.KindAutomationScript: {Kind: domain.KindAutomationScript, Arity: One},
}

func Lookup(kind domain.Kind) (Parser, bool) {
	p, ok := parsers[kind]
	return p, ok
}

// Parse validates raw as a freshly generated artifact of kind.
func Parse(kind domain.Kind, raw string) (Result, error) {
	p, ok := Lookup(kind)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p.Parse(raw)
}

// ParseUpdate validates raw as the replacement content of one existing artifact.
func ParseUpdate(kind domain.Kind, raw string) (Result, error) {
	p, ok := Lookup(kind)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p.ParseUpdate(raw)
}

func (p Parser) Parse(raw string) (Result, error) {
	return p.run(raw, p.Arity)
}

func (p Parser) ParseUpdate(raw string) (Result, error) {
	return p.run(raw, One)
}

func (p Parser) run(raw string, arity Arity) (Result, error) {
	if p.Kind == domain.KindAutomationScript {
		script, err := parseScript(raw)
		if err != nil {
			return Result{}, &ParseError{Kind: p.Kind, Raw: raw, Err: err}
		}
		return Result{Kind: p.Kind, Script: script}, nil
	}
	elems, err := elements(stripFence(strings.TrimSpace(raw)))
	if err != nil {
		return Result{}, &ParseError{Kind: p.Kind, Raw: raw, Err: err}
	}
	if arity == One {
		elems = elems[:1]
	}
	items := make([]Item, 0, len(elems))
	for i, elem := range elems {
		if p.wrapper != "" {
			elem = unwrap(elem, p.wrapper)
		}
		item, err := p.decode(elem)
		if err != nil {
			if len(elems) > 1 {
				err = fmt.Errorf("item %d: %w", i, err)
			}
			return Result{}, &ParseError{Kind: p.Kind, Raw: raw, Err: describe(err)}
		}
		items = append(items, item)
	}
	return Result{Kind: p.Kind, Items: items}, nil
}

// elements accepts a single object or an array of objects and always returns
// at least one element.
func elements(text string) ([]json.RawMessage, error) {
	switch {
	case strings.HasPrefix(text, "{"):
		var obj json.RawMessage
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return nil, err
		}
		return []json.RawMessage{obj}, nil
	case strings.HasPrefix(text, "["):
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(text), &arr); err != nil {
			return nil, err
		}
		if len(arr) == 0 {
			return nil, errors.New("empty array")
		}
		return arr, nil
	default:
		return nil, errors.New("expected a JSON object or array")
	}
}

func unwrap(raw json.RawMessage, key string) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	if inner, ok := m[key]; ok && len(m) == 1 {
		return inner
	}
	return raw
}

// stripFence removes a surrounding markdown code fence, if any.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	}
	return strings.TrimSpace(body)
}

func decodeInto[T any](raw json.RawMessage) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	if err := validate.Struct(v); err != nil {
		return v, err
	}
	return v, nil
}

func encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func decodeEpic(raw json.RawMessage) (Item, error) {
	e, err := decodeInto[Epic](raw)
	if err != nil {
		return Item{}, err
	}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	content, err := encode(e)
	return Item{Title: e.Title, Summary: e.Summary, Content: content}, err
}

func decodeFeature(raw json.RawMessage) (Item, error) {
	f, err := decodeInto[Feature](raw)
	if err != nil {
		return Item{}, err
	}
	content, err := encode(f)
	return Item{Title: f.Title, Summary: f.Summary, Content: content}, err
}

func decodeUserStory(raw json.RawMessage) (Item, error) {
	us, err := decodeInto[UserStory](raw)
	if err != nil {
		return Item{}, err
	}
	content, err := encode(us)
	return Item{Title: us.Title, Summary: us.Summary, Content: content}, err
}

func decodeTask(raw json.RawMessage) (Item, error) {
	t, err := decodeInto[Task](raw)
	if err != nil {
		return Item{}, err
	}
	content, err := encode(t)
	return Item{Title: t.Title, Summary: t.Summary, Content: content}, err
}

func decodeBug(raw json.RawMessage) (Item, error) {
	b, err := decodeInto[Bug](raw)
	if err != nil {
		return Item{}, err
	}
	if b.Tags == nil {
		b.Tags = []string{}
	}
	content, err := encode(b)
	return Item{Title: b.Title, Content: content}, err
}

func decodeTicket(raw json.RawMessage) (Item, error) {
	t, err := decodeInto[Ticket](raw)
	if err != nil {
		return Item{}, err
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	content, err := encode(t)
	return Item{Title: t.Title, Content: content}, err
}

func decodeTestCase(raw json.RawMessage) (Item, error) {
	tc, err := decodeInto[TestCase](raw)
	if err != nil {
		return Item{}, err
	}
	content, err := encode(tc)
	if err != nil {
		return Item{}, err
	}
	gherkin, err := encode(tc.Gherkin)
	if err != nil {
		return Item{}, err
	}
	steps := make([]Step, 0, len(tc.Actions))
	for _, a := range tc.Actions {
		steps = append(steps, Step{Step: a.Step, ExpectedResult: a.ExpectedResult})
	}
	return Item{Title: tc.Title, Content: content, Gherkin: gherkin, Steps: steps}, nil
}

func decodeWBS(raw json.RawMessage) (Item, error) {
	w, err := decodeInto[WBS](raw)
	if err != nil {
		return Item{}, err
	}
	content, err := encode(w)
	return Item{Title: wbsTitle(w), Content: content}, err
}

func wbsTitle(w WBS) string {
	for _, key := range []string{"title", "name"} {
		if s, ok := w.WBS[0][key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return "WBS"
}

var scriptPattern = regexp.MustCompile(`(?s)^/\*.*\*/$`)

func parseScript(raw string) (string, error) {
	text := stripFence(strings.TrimSpace(raw))
	if !scriptPattern.MatchString(text) {
		return "", errors.New("script must be enclosed in a single /* */ block")
	}
	body := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(text, "/*"), "*/"))
	if strings.Contains(body, "*/") {
		return "", errors.New("script contains more than one comment block")
	}
	if body == "" {
		return "", errors.New("script body is empty")
	}
	return body, nil
}
