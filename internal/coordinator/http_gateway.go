package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/service"
)

// HTTPGateway 通过 REST 接口读写任务，实现 TaskReader 和 TaskWriter。
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPGateway 创建 HTTPGateway。client 为 nil 时使用 10s 超时的默认客户端。
func NewHTTPGateway(baseURL, token string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

type updateTaskBody struct {
	Mutation        domain.TaskMutation `json:"mutation"`
	ExpectedVersion *uint64             `json:"expectedVersion,omitempty"`
}

type conflictBody struct {
	Error   string       `json:"error"`
	Current *domain.Task `json:"current"`
}

type errorBody struct {
	Error string `json:"error"`
}

// GetTask 对应 GET /api/tasks/:taskId。
func (g *HTTPGateway) GetTask(ctx context.Context, taskID uint) (*domain.Task, error) {
	resp, err := g.do(ctx, http.MethodGet, taskPath(taskID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(taskID, resp)
	}
	var task domain.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("decode task %d: %w", taskID, err)
	}
	return &task, nil
}

// UpdateTask 对应 PUT /api/tasks/:taskId。409 转换为 *service.ConflictError。
func (g *HTTPGateway) UpdateTask(ctx context.Context, taskID uint, mutation domain.TaskMutation, expectedVersion *uint64) (*domain.Task, error) {
	body, err := json.Marshal(updateTaskBody{Mutation: mutation, ExpectedVersion: expectedVersion})
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	resp, err := g.do(ctx, http.MethodPut, taskPath(taskID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var task domain.Task
		if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
			return nil, fmt.Errorf("decode task %d: %w", taskID, err)
		}
		return &task, nil
	case http.StatusConflict:
		var cb conflictBody
		_ = json.NewDecoder(resp.Body).Decode(&cb)
		ce := &service.ConflictError{TaskID: taskID, Current: cb.Current}
		if expectedVersion != nil {
			ce.Expected = *expectedVersion
		}
		return nil, ce
	default:
		return nil, statusError(taskID, resp)
	}
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func statusError(taskID uint, resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("task %d: %w", taskID, service.ErrTaskNotFound)
	case http.StatusBadRequest:
		return fmt.Errorf("task %d: %w: %s", taskID, service.ErrInvalidMutation, eb.Error)
	case http.StatusUnauthorized:
		return fmt.Errorf("task %d: %w", taskID, service.ErrAuthenticationFailed)
	default:
		return fmt.Errorf("task %d: unexpected status %d: %s", taskID, resp.StatusCode, eb.Error)
	}
}

func taskPath(taskID uint) string {
	return fmt.Sprintf("/api/tasks/%d", taskID)
}
