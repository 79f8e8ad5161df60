package chattg

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/genforge/genforge/pkg/delivery"
)

type recordedRequest struct {
	path        string
	contentType string
	body        string
}

func newTestMessenger(test *testing.T, respond func(*http.Request) string) (*Messenger, *[]recordedRequest) {
	test.Helper()
	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		requests = append(requests, recordedRequest{
			path:        request.URL.Path,
			contentType: request.Header.Get("Content-Type"),
			body:        string(body),
		})
		writer.Write([]byte(respond(request)))
	}))
	test.Cleanup(server.Close)
	messenger, err := New("123:abc", WithAPIBase(server.URL))
	if err != nil {
		test.Fatalf("new messenger: %v", err)
	}
	return messenger, &requests
}

func okResponse(*http.Request) string { return `{"ok":true,"result":{}}` }

func TestSendMediaPicksNativeMethodPerCategory(test *testing.T) {
	test.Parallel()
	cases := map[string]string{
		"image":   "/bot123:abc/sendPhoto",
		"video":   "/bot123:abc/sendVideo",
		"audio":   "/bot123:abc/sendAudio",
		"text":    "/bot123:abc/sendDocument",
		"unknown": "/bot123:abc/sendDocument",
	}
	for category, wantPath := range cases {
		messenger, requests := newTestMessenger(test, okResponse)
		payload := delivery.MediaPayload{Kind: delivery.PayloadURL, URL: "https://cdn.example/out"}
		if err := messenger.SendMedia(context.Background(), 4242, category, payload, "done"); err != nil {
			test.Fatalf("category %s: %v", category, err)
		}
		if got := (*requests)[0].path; got != wantPath {
			test.Fatalf("category %s: expected %s, got %s", category, wantPath, got)
		}
		if !strings.Contains((*requests)[0].body, "chat_id=4242") {
			test.Fatalf("chat id not sent: %s", (*requests)[0].body)
		}
	}
}

func TestSendMediaAttachmentAlwaysUsesDocument(test *testing.T) {
	test.Parallel()
	messenger, requests := newTestMessenger(test, okResponse)
	payload := delivery.MediaPayload{Kind: delivery.PayloadAttachment, URL: "https://cdn.example/out.png"}

	if err := messenger.SendMedia(context.Background(), 4242, "image", payload, ""); err != nil {
		test.Fatalf("send: %v", err)
	}
	if got := (*requests)[0].path; got != "/bot123:abc/sendDocument" {
		test.Fatalf("attachment tier must use sendDocument, got %s", got)
	}
}

func TestSendMediaBytesUploadsMultipart(test *testing.T) {
	test.Parallel()
	messenger, requests := newTestMessenger(test, okResponse)
	payload := delivery.MediaPayload{
		Kind:     delivery.PayloadBytes,
		Bytes:    []byte("png bytes"),
		FileName: "out.png",
	}

	if err := messenger.SendMedia(context.Background(), 4242, "image", payload, "your image"); err != nil {
		test.Fatalf("send: %v", err)
	}
	recorded := (*requests)[0]
	if recorded.path != "/bot123:abc/sendPhoto" {
		test.Fatalf("expected sendPhoto, got %s", recorded.path)
	}
	if !strings.HasPrefix(recorded.contentType, "multipart/form-data") {
		test.Fatalf("expected multipart upload, got %s", recorded.contentType)
	}
	if !strings.Contains(recorded.body, "png bytes") || !strings.Contains(recorded.body, `filename="out.png"`) {
		test.Fatalf("upload body missing file content")
	}
}

func TestFloodWaitBecomesTransportErrorWithRetryAfter(test *testing.T) {
	test.Parallel()
	messenger, _ := newTestMessenger(test, func(*http.Request) string {
		return `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":23}}`
	})
	payload := delivery.MediaPayload{Kind: delivery.PayloadURL, URL: "https://cdn.example/out"}

	err := messenger.SendMedia(context.Background(), 4242, "image", payload, "")
	var transportError *delivery.TransportError
	if !errors.As(err, &transportError) {
		test.Fatalf("expected TransportError, got %v", err)
	}
	if transportError.RetryAfter != 23*time.Second {
		test.Fatalf("expected 23s retry-after, got %s", transportError.RetryAfter)
	}
}

func TestBadRequestIsTransportErrorForTierFallback(test *testing.T) {
	test.Parallel()
	messenger, _ := newTestMessenger(test, func(*http.Request) string {
		return `{"ok":false,"error_code":400,"description":"wrong file identifier"}`
	})
	payload := delivery.MediaPayload{Kind: delivery.PayloadURL, URL: "https://cdn.example/out"}

	err := messenger.SendMedia(context.Background(), 4242, "image", payload, "")
	var transportError *delivery.TransportError
	if !errors.As(err, &transportError) {
		test.Fatalf("expected TransportError for 400, got %v", err)
	}
}

func TestForbiddenIsPermanent(test *testing.T) {
	test.Parallel()
	messenger, _ := newTestMessenger(test, func(*http.Request) string {
		return `{"ok":false,"error_code":403,"description":"bot was blocked by the user"}`
	})
	payload := delivery.MediaPayload{Kind: delivery.PayloadURL, URL: "https://cdn.example/out"}

	err := messenger.SendMedia(context.Background(), 4242, "image", payload, "")
	if err == nil {
		test.Fatalf("expected error")
	}
	var transportError *delivery.TransportError
	if errors.As(err, &transportError) {
		test.Fatalf("blocked bot must not be a transport error, got %v", err)
	}
}

func TestUnreachableAPIIsTransportError(test *testing.T) {
	test.Parallel()
	messenger, err := New("123:abc", WithAPIBase("http://127.0.0.1:1"))
	if err != nil {
		test.Fatalf("new messenger: %v", err)
	}
	payload := delivery.MediaPayload{Kind: delivery.PayloadURL, URL: "https://cdn.example/out"}

	sendErr := messenger.SendMedia(context.Background(), 4242, "image", payload, "")
	var transportError *delivery.TransportError
	if !errors.As(sendErr, &transportError) {
		test.Fatalf("expected TransportError, got %v", sendErr)
	}
}

func TestNewRequiresToken(test *testing.T) {
	test.Parallel()
	if _, err := New("  "); err == nil {
		test.Fatalf("expected error for empty token")
	}
}
