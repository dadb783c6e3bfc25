package domain

import "encoding/json"

// Kind names an artifact kind. The set is closed; see Kinds.
type Kind string

const (
	KindEpic             Kind = "epic"
	KindFeature          Kind = "feature"
	KindUserStory        Kind = "user_story"
	KindTask             Kind = "task"
	KindBug              Kind = "bug"
	KindIssue            Kind = "issue"
	KindPBI              Kind = "pbi"
	KindTestCase         Kind = "test_case"
	KindWBS              Kind = "wbs"
	KindAutomationScript Kind = "automation_script"
)

// Kinds lists every artifact kind in hierarchy order.
var Kinds = []Kind{
	KindEpic, KindFeature, KindUserStory, KindTask, KindBug,
	KindIssue, KindPBI, KindTestCase, KindWBS, KindAutomationScript,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Request struct {
	ID           int64   `json:"-"`
	RequestID    string  `json:"request_id"`
	ProjectID    *string `json:"project_id,omitempty"`
	Parent       *int64  `json:"parent,omitempty"`
	Kind         string  `json:"task_type"`
	Status       Status  `json:"status" enum:"pending,completed,failed"`
	ArtifactID   *int64  `json:"artifact_id,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	ProcessedAt  *string `json:"processed_at,omitempty" format:"date-time"`
}

// Artifact is one persisted row of any kind. Content holds the validated
// kind-specific payload exactly as produced by the parser.
type Artifact struct {
	ID               int64             `json:"id"`
	Kind             Kind              `json:"kind"`
	Parent           int64             `json:"parent"`
	Version          int               `json:"version"`
	Active           bool              `json:"is_active"`
	Title            string            `json:"title"`
	Content          json.RawMessage   `json:"content"`
	PromptTokens     int               `json:"prompt_tokens"`
	CompletionTokens int               `json:"completion_tokens"`
	Feedback         *string           `json:"feedback,omitempty"`
	Summary          *string           `json:"summary,omitempty"`
	WorkItemID       *string           `json:"work_item_id,omitempty"`
	ParentBoardID    *string           `json:"parent_board_id,omitempty"`
	RequestID        string            `json:"request_id"`
	Script           *string           `json:"script,omitempty"`
	Scenario         *TestCaseScenario `json:"scenario,omitempty"`
	Steps            []TestCaseStep    `json:"steps,omitempty"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	UpdatedAt        string            `json:"updated_at" format:"date-time"`
}

type TestCaseScenario struct {
	ID         int64           `json:"id"`
	TestCaseID int64           `json:"test_case_id"`
	Gherkin    json.RawMessage `json:"gherkin"`
	Version    int             `json:"version"`
	Active     bool            `json:"is_active"`
}

type TestCaseStep struct {
	ID             int64  `json:"id"`
	TestCaseID     int64  `json:"test_case_id"`
	Position       int    `json:"position"`
	Step           string `json:"step"`
	ExpectedResult string `json:"expected_result"`
	Version        int    `json:"version"`
	Active         bool   `json:"is_active"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
