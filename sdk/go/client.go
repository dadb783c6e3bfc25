package storylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Client is a minimal Storyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type PromptData struct {
	System    string `json:"system"`
	User      string `json:"user,omitempty"`
	Assistant string `json:"assistant,omitempty"`
	UserInput string `json:"user_input,omitempty"`
}

type LLMConfig struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// GenerateInput is the body of a generation request.
type GenerateInput struct {
	Parent        *int64     `json:"parent,omitempty"`
	TaskType      string     `json:"task_type"`
	PromptData    PromptData `json:"prompt_data"`
	LLMConfig     *LLMConfig `json:"llm_config,omitempty"`
	WorkItemID    *string    `json:"work_item_id,omitempty"`
	ParentBoardID *string    `json:"parent_board_id,omitempty"`
	TypeTest      *string    `json:"type_test,omitempty"`
	Language      *string    `json:"language,omitempty"`
	ProjectID     *string    `json:"project_id,omitempty"`
}

// ReprocessInput is the body of a reprocess request.
type ReprocessInput struct {
	PromptData PromptData `json:"prompt_data"`
	LLMConfig  *LLMConfig `json:"llm_config,omitempty"`
	TypeTest   *string    `json:"type_test,omitempty"`
	Language   *string    `json:"language,omitempty"`
}

// Status mirrors the request status endpoint.
type Status struct {
	RequestID    string  `json:"request_id"`
	Parent       *int64  `json:"parent"`
	TaskType     string  `json:"task_type"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	ProcessedAt  *string `json:"processed_at"`
	ErrorMessage *string `json:"error_message"`
	ArtifactID   *int64  `json:"artifact_id"`
}

// Terminal reports whether the request finished, successfully or not.
func (s Status) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

type Step struct {
	Position       int    `json:"position"`
	Step           string `json:"step"`
	ExpectedResult string `json:"expected_result"`
}

type Scenario struct {
	Gherkin json.RawMessage `json:"gherkin"`
	Version int             `json:"version"`
}

// Artifact represents one generated row (partial).
type Artifact struct {
	ID               int64           `json:"id"`
	Kind             string          `json:"kind"`
	Parent           int64           `json:"parent"`
	Version          int             `json:"version"`
	Active           bool            `json:"is_active"`
	Title            string          `json:"title"`
	Content          json.RawMessage `json:"content"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	Summary          *string         `json:"summary"`
	Script           *string         `json:"script"`
	Scenario         *Scenario       `json:"scenario"`
	Steps            []Step          `json:"steps"`
	RequestID        string          `json:"request_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Generate queues a generation request and returns its request id.
func (c *Client) Generate(ctx context.Context, in GenerateInput) (string, error) {
	var resp struct {
		RequestID string `json:"request_id"`
	}
	err := c.do(ctx, http.MethodPost, "generation/generate", in, &resp)
	return resp.RequestID, err
}

// Reprocess queues regeneration of one artifact.
func (c *Client) Reprocess(ctx context.Context, taskType string, artifactID int64, in ReprocessInput) (string, error) {
	var resp struct {
		RequestID string `json:"request_id"`
	}
	endpoint := fmt.Sprintf("generation/reprocess/%s/%d", url.PathEscape(taskType), artifactID)
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp.RequestID, err
}

// Status fetches the status of a request.
func (c *Client) Status(ctx context.Context, requestID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "generation/status/"+url.PathEscape(requestID), nil, &resp)
	return resp, err
}

var errPending = errors.New("request still pending")

// Wait polls Status until the request is terminal or ctx ends.
func (c *Client) Wait(ctx context.Context, requestID string, interval time.Duration) (Status, error) {
	if interval <= 0 {
		interval = time.Second
	}
	return backoff.Retry(ctx, func() (Status, error) {
		s, err := c.Status(ctx, requestID)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return s, backoff.Permanent(err)
			}
			return s, err
		}
		if !s.Terminal() {
			return s, errPending
		}
		return s, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(interval)))
}

// Artifact fetches one artifact with its sub-records.
func (c *Client) Artifact(ctx context.Context, taskType string, id int64) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("artifacts/%s/%d", url.PathEscape(taskType), id), nil, &resp)
	return resp, err
}

// Lineage lists every version under parent, or only the active one.
func (c *Client) Lineage(ctx context.Context, taskType string, parent int64, activeOnly bool) ([]Artifact, error) {
	q := url.Values{}
	q.Set("parent", strconv.FormatInt(parent, 10))
	if activeOnly {
		q.Set("active_only", "true")
	}
	var resp struct {
		Items []Artifact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "artifacts/"+url.PathEscape(taskType)+"?"+q.Encode(), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
