// Package providerhttp implements provider.Transport over the generation
// provider's JSON API: createTask to submit work and recordInfo to read task
// state.
package providerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/genforge/genforge/pkg/provider"
)

const (
	createTaskPath = "/api/v1/jobs/createTask"
	recordInfoPath = "/api/v1/jobs/recordInfo"
	responseOK     = 200
)

// Transport calls the provider API with bearer auth. The callback URL, when
// configured, is injected into every createTask so the provider pushes
// outcomes instead of waiting to be polled.
type Transport struct {
	baseURL     string
	apiKey      string
	callbackURL string
	client      *http.Client
	logger      *zap.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithCallbackURL sets the push callback injected into createTask requests.
func WithCallbackURL(callbackURL string) Option {
	return func(transport *Transport) {
		transport.callbackURL = callbackURL
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(transport *Transport) {
		transport.client = client
	}
}

// WithLogger wires a zap logger; a nop logger is used otherwise.
func WithLogger(logger *zap.Logger) Option {
	return func(transport *Transport) {
		transport.logger = logger
	}
}

// New wires a Transport.
func New(baseURL string, apiKey string, options ...Option) (*Transport, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty base url", provider.ErrInvalidClientConfig)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: empty api key", provider.ErrInvalidClientConfig)
	}
	transport := &Transport{
		baseURL: trimmed,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(transport)
		}
	}
	return transport, nil
}

type createTaskRequest struct {
	Model       string         `json:"model"`
	Input       map[string]any `json:"input"`
	CallBackURL string         `json:"callBackUrl,omitempty"`
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type taskData struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailMsg    string `json:"failMsg"`
}

type resultDocument struct {
	ResultURLs []string `json:"resultUrls"`
}

// CreateTask submits a generation request and returns the provider task id.
func (transport *Transport) CreateTask(ctx context.Context, modelID string, input map[string]any) (string, error) {
	body, err := json.Marshal(createTaskRequest{
		Model:       modelID,
		Input:       input,
		CallBackURL: transport.callbackURL,
	})
	if err != nil {
		return "", err
	}
	data, err := transport.do(ctx, http.MethodPost, transport.baseURL+createTaskPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", &provider.ServerError{Message: "createTask returned no task id"}
	}
	return data.TaskID, nil
}

// TaskInfo fetches the current status of a task.
func (transport *Transport) TaskInfo(ctx context.Context, taskID string) (provider.TaskStatus, error) {
	endpoint := transport.baseURL + recordInfoPath + "?taskId=" + url.QueryEscape(taskID)
	data, err := transport.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return provider.TaskStatus{}, err
	}
	status := provider.TaskStatus{
		TaskID:    data.TaskID,
		State:     data.State,
		ErrorText: data.FailMsg,
	}
	if status.TaskID == "" {
		status.TaskID = taskID
	}
	if data.ResultJSON != "" {
		var document resultDocument
		if err := json.Unmarshal([]byte(data.ResultJSON), &document); err != nil {
			transport.logger.Warn("unparseable result document",
				zap.String("task_id", taskID),
				zap.Error(err))
		} else {
			status.ResultURLs = document.ResultURLs
		}
	}
	return status, nil
}

func (transport *Transport) do(ctx context.Context, method string, endpoint string, body io.Reader) (taskData, error) {
	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return taskData{}, err
	}
	request.Header.Set("Authorization", "Bearer "+transport.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := transport.client.Do(request)
	if err != nil {
		return taskData{}, &provider.NetworkError{Err: err}
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return taskData{}, &provider.NetworkError{Err: err}
	}
	if err := classifyStatus(response, payload); err != nil {
		return taskData{}, err
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return taskData{}, &provider.ServerError{
			Status:  response.StatusCode,
			Message: fmt.Sprintf("unparseable response: %v", err),
		}
	}
	if envelope.Code != responseOK {
		return taskData{}, &provider.ClientError{Status: envelope.Code, Message: envelope.Msg}
	}
	var data taskData
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return taskData{}, &provider.ServerError{
				Status:  response.StatusCode,
				Message: fmt.Sprintf("unparseable task data: %v", err),
			}
		}
	}
	return data, nil
}

// classifyStatus maps HTTP status classes to the typed provider errors.
func classifyStatus(response *http.Response, payload []byte) error {
	code := response.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return &provider.RateLimitError{
			RetryAfter: retryAfter(response),
			Message:    truncate(payload),
		}
	case code >= 400 && code < 500:
		return &provider.ClientError{Status: code, Message: truncate(payload)}
	default:
		return &provider.ServerError{Status: code, Message: truncate(payload)}
	}
}

func retryAfter(response *http.Response) time.Duration {
	raw := response.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func truncate(payload []byte) string {
	const limit = 512
	text := strings.TrimSpace(string(payload))
	if len(text) > limit {
		return text[:limit]
	}
	return text
}
