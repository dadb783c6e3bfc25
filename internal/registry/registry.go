// Package registry maps each artifact kind to its storage and parsing rules.
package registry

import (
	"fmt"

	"storyline/internal/domain"
	"storyline/internal/parse"
)

// Entry describes how one kind is stored and validated.
type Entry struct {
	Kind domain.Kind
	// Table holds the kind's rows. AutomationScript shares test_cases.
	Table string
	// LineageColumn is the column whose value groups versions of one lineage.
	LineageColumn string
	Parser        parse.Parser
	// SubRecords is set when rows own scenario and step records.
	SubRecords bool
	// InPlace kinds update an existing row without allocating a version.
	InPlace bool
}

var entries = map[domain.Kind]Entry{}

func register(kind domain.Kind, table, lineage string, opts ...func(*Entry)) {
	p, ok := parse.Lookup(kind)
	if !ok {
		panic(fmt.Sprintf("registry: no parser for %s", kind))
	}
	e := Entry{Kind: kind, Table: table, LineageColumn: lineage, Parser: p}
	for _, opt := range opts {
		opt(&e)
	}
	entries[kind] = e
}

func withSubRecords(e *Entry) { e.SubRecords = true }
func inPlace(e *Entry)        { e.InPlace = true }

func init() {
	register(domain.KindEpic, "epics", "team_project_id")
	register(domain.KindFeature, "features", "parent_id")
	register(domain.KindUserStory, "user_stories", "parent_id")
	register(domain.KindTask, "tasks", "parent_id")
	register(domain.KindBug, "bugs", "user_story_id")
	register(domain.KindIssue, "issues", "user_story_id")
	register(domain.KindPBI, "pbis", "feature_id")
	register(domain.KindTestCase, "test_cases", "parent_id", withSubRecords)
	register(domain.KindWBS, "wbs", "parent_id")
	register(domain.KindAutomationScript, "test_cases", "id", inPlace)
}

func Lookup(kind domain.Kind) (Entry, bool) {
	e, ok := entries[kind]
	return e, ok
}

// MustLookup panics for kinds outside the closed set.
func MustLookup(kind domain.Kind) Entry {
	e, ok := entries[kind]
	if !ok {
		panic(fmt.Sprintf("registry: unknown kind %q", kind))
	}
	return e
}

// Stored lists the kinds that own a table of versioned rows.
func Stored() []Entry {
	out := make([]Entry, 0, len(entries))
	for _, k := range domain.Kinds {
		if e := entries[k]; !e.InPlace {
			out = append(out, e)
		}
	}
	return out
}
