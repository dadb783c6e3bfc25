package server

import (
	"storyline/internal/domain"
	"storyline/internal/engine"
)

// Request payloads

type PromptData struct {
	System    string `json:"system" minLength:"1"`
	User      string `json:"user,omitempty"`
	Assistant string `json:"assistant,omitempty"`
	UserInput string `json:"user_input,omitempty"`
}

type LLMConfigRequest struct {
	Provider    string   `json:"provider,omitempty" enum:"openai,gemini,anthropic,ollama"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" minimum:"0" maximum:"1"`
	MaxTokens   *int     `json:"max_tokens,omitempty" minimum:"1"`
	TopP        *float64 `json:"top_p,omitempty" minimum:"0" maximum:"1"`
}

type GenerateRequest struct {
	Parent        *int64            `json:"parent,omitempty" doc:"Lineage key: the parent artifact id, or the test case id for automation scripts"`
	TaskType      string            `json:"task_type" minLength:"1" example:"feature"`
	PromptData    PromptData        `json:"prompt_data"`
	LLMConfig     *LLMConfigRequest `json:"llm_config,omitempty"`
	WorkItemID    *string           `json:"work_item_id,omitempty"`
	ParentBoardID *string           `json:"parent_board_id,omitempty"`
	TypeTest      *string           `json:"type_test,omitempty"`
	Language      *string           `json:"language,omitempty"`
	ProjectID     *string           `json:"project_id,omitempty"`
}

type ReprocessRequest struct {
	PromptData    PromptData        `json:"prompt_data"`
	LLMConfig     *LLMConfigRequest `json:"llm_config,omitempty"`
	WorkItemID    *string           `json:"work_item_id,omitempty"`
	ParentBoardID *string           `json:"parent_board_id,omitempty"`
	TypeTest      *string           `json:"type_test,omitempty"`
	Language      *string           `json:"language,omitempty"`
	ProjectID     *string           `json:"project_id,omitempty"`
}

// Response payloads

type QueuedResponse struct {
	RequestID string `json:"request_id"`
	Response  struct {
		Status string `json:"status" example:"queued"`
	} `json:"response"`
}

type StatusResponse struct {
	RequestID    string  `json:"request_id"`
	Parent       *int64  `json:"parent"`
	TaskType     string  `json:"task_type"`
	Status       string  `json:"status" enum:"pending,completed,failed"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	ProcessedAt  *string `json:"processed_at"`
	ErrorMessage *string `json:"error_message"`
	ArtifactID   *int64  `json:"artifact_id"`
}

type ArtifactListResponse struct {
	Items []domain.Artifact `json:"items"`
}

type RequestListResponse struct {
	Items []StatusResponse `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

func (c *LLMConfigRequest) toDomain() *domain.LLMConfig {
	if c == nil {
		return nil
	}
	return &domain.LLMConfig{
		Provider:    c.Provider,
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		TopP:        c.TopP,
	}
}

func (p PromptData) toDomain() domain.PromptPayload {
	return domain.PromptPayload{System: p.System, User: p.User, Assistant: p.Assistant, UserInput: p.UserInput}
}

func (r GenerateRequest) submitOptions(actorID string) engine.SubmitOptions {
	return engine.SubmitOptions{
		Kind:           r.TaskType,
		Parent:         r.Parent,
		ProjectID:      r.ProjectID,
		Prompt:         r.PromptData.toDomain(),
		LLMConfig:      r.LLMConfig.toDomain(),
		WorkItemID:     r.WorkItemID,
		ParentBoardID:  r.ParentBoardID,
		TestType:       r.TypeTest,
		TargetLanguage: r.Language,
		ActorID:        actorID,
	}
}

func (r ReprocessRequest) submitOptions(kind string, artifactID int64, actorID string) engine.SubmitOptions {
	return engine.SubmitOptions{
		Kind:           kind,
		ArtifactID:     &artifactID,
		ProjectID:      r.ProjectID,
		Prompt:         r.PromptData.toDomain(),
		LLMConfig:      r.LLMConfig.toDomain(),
		WorkItemID:     r.WorkItemID,
		ParentBoardID:  r.ParentBoardID,
		TestType:       r.TypeTest,
		TargetLanguage: r.Language,
		ActorID:        actorID,
	}
}

func statusResponse(req domain.Request) StatusResponse {
	return StatusResponse{
		RequestID:    req.RequestID,
		Parent:       req.Parent,
		TaskType:     req.Kind,
		Status:       string(req.Status),
		CreatedAt:    req.CreatedAt,
		ProcessedAt:  req.ProcessedAt,
		ErrorMessage: req.ErrorMessage,
		ArtifactID:   req.ArtifactID,
	}
}

func queued(id string) QueuedResponse {
	var r QueuedResponse
	r.RequestID = id
	r.Response.Status = "queued"
	return r
}
