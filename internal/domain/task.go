package domain

// PromptPayload carries the conversation fragments sent to the provider.
type PromptPayload struct {
	System    string `json:"system"`
	User      string `json:"user"`
	Assistant string `json:"assistant,omitempty"`
	UserInput string `json:"userInput,omitempty"`
}

// LLMConfig is the optional per-task provider override. Nil fields fall back
// to the configured defaults.
type LLMConfig struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

// TaskPayload is the unit of work consumed by the orchestrator.
type TaskPayload struct {
	RequestID      string        `json:"requestId"`
	ArtifactKind   string        `json:"artifactKind"`
	PromptPayload  PromptPayload `json:"promptPayload"`
	LLMConfig      *LLMConfig    `json:"llmConfig,omitempty"`
	WorkItemID     *string       `json:"workItemId,omitempty"`
	ParentBoardID  *string       `json:"parentBoardId,omitempty"`
	TestType       *string       `json:"testType,omitempty"`
	TargetLanguage *string       `json:"targetLanguage,omitempty"`
	ArtifactID     *int64        `json:"artifactId,omitempty"`
	ProjectID      *string       `json:"projectId,omitempty"`
}

func (p TaskPayload) Reprocessing() bool {
	return p.ArtifactID != nil
}

// Notification is published once per terminal outcome of a task.
type Notification struct {
	RequestID      string  `json:"requestId"`
	ProjectID      *string `json:"projectId"`
	Parent         *string `json:"parent"`
	TaskType       string  `json:"taskType"`
	Status         Status  `json:"status"`
	ErrorMessage   *string `json:"errorMessage"`
	ItemIDs        []int64 `json:"itemIds"`
	Version        *int    `json:"version"`
	WorkItemID     *string `json:"workItemId"`
	ParentBoardID  *string `json:"parentBoardId"`
	IsReprocessing bool    `json:"isReprocessing"`
}
