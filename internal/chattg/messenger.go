// Package chattg implements delivery.Messenger against a Telegram-shaped bot
// HTTP API. Remote references go out as direct method parameters; raw bytes
// go out as multipart uploads.
package chattg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/genforge/genforge/pkg/delivery"
)

const defaultAPIBase = "https://api.telegram.org"

// Messenger sends media through the bot API.
type Messenger struct {
	apiBase string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithAPIBase overrides the bot API base URL, for tests and proxies.
func WithAPIBase(apiBase string) Option {
	return func(messenger *Messenger) {
		messenger.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(messenger *Messenger) {
		messenger.client = client
	}
}

// WithLogger wires a zap logger; a nop logger is used otherwise.
func WithLogger(logger *zap.Logger) Option {
	return func(messenger *Messenger) {
		messenger.logger = logger
	}
}

// New wires a Messenger.
func New(token string, options ...Option) (*Messenger, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("chattg: empty bot token")
	}
	messenger := &Messenger{
		apiBase: defaultAPIBase,
		token:   token,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(messenger)
		}
	}
	return messenger, nil
}

// SendMedia hands one payload to the chat. URL and attachment payloads use
// the native method for the category; byte payloads are uploaded as
// multipart. Recoverable bot API failures come back as
// *delivery.TransportError carrying any flood wait.
func (messenger *Messenger) SendMedia(ctx context.Context, target int64, category string, payload delivery.MediaPayload, caption string) error {
	switch payload.Kind {
	case delivery.PayloadBytes:
		return messenger.sendBytes(ctx, target, category, payload, caption)
	case delivery.PayloadAttachment:
		return messenger.sendReference(ctx, target, "sendDocument", "document", payload.URL, caption)
	default:
		method, field := methodFor(category)
		return messenger.sendReference(ctx, target, method, field, payload.URL, caption)
	}
}

// methodFor picks the richest native method for a category.
func methodFor(category string) (method string, field string) {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "image":
		return "sendPhoto", "photo"
	case "video":
		return "sendVideo", "video"
	case "audio":
		return "sendAudio", "audio"
	default:
		return "sendDocument", "document"
	}
}

func (messenger *Messenger) sendReference(ctx context.Context, target int64, method string, field string, reference string, caption string) error {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(target, 10))
	form.Set(field, reference)
	if caption != "" {
		form.Set("caption", caption)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, messenger.methodURL(method), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return messenger.do(request, method)
}

func (messenger *Messenger) sendBytes(ctx context.Context, target int64, category string, payload delivery.MediaPayload, caption string) error {
	method, field := methodFor(category)
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", strconv.FormatInt(target, 10)); err != nil {
		return err
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return err
		}
	}
	fileName := payload.FileName
	if fileName == "" {
		fileName = "result"
	}
	part, err := writer.CreateFormFile(field, fileName)
	if err != nil {
		return err
	}
	if _, err := part.Write(payload.Bytes); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, messenger.methodURL(method), &body)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	return messenger.do(request, method)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (messenger *Messenger) do(request *http.Request, method string) error {
	response, err := messenger.client.Do(request)
	if err != nil {
		return &delivery.TransportError{Err: err}
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return &delivery.TransportError{Err: err}
	}
	var parsed apiResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return &delivery.TransportError{Err: fmt.Errorf("%s: unparseable response: %w", method, err)}
	}
	if parsed.OK {
		return nil
	}
	failure := fmt.Errorf("%s: bot api error %d: %s", method, parsed.ErrorCode, parsed.Description)
	switch {
	case parsed.ErrorCode == http.StatusTooManyRequests:
		return &delivery.TransportError{
			RetryAfter: time.Duration(parsed.Parameters.RetryAfter) * time.Second,
			Err:        failure,
		}
	case parsed.ErrorCode >= 500:
		return &delivery.TransportError{Err: failure}
	case parsed.ErrorCode == http.StatusBadRequest:
		// Typically an unrenderable reference; a lower tier may still work.
		return &delivery.TransportError{Err: failure}
	default:
		// Forbidden and friends: the chat is gone or the bot is blocked.
		// No tier or retry recovers that.
		return failure
	}
}

func (messenger *Messenger) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", messenger.apiBase, messenger.token, method)
}
