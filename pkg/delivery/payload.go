package delivery

import (
	"context"
	"net/url"
	"strings"
)

// PayloadKind is the fidelity tier of a media payload.
type PayloadKind string

const (
	// PayloadURL sends the remote reference for native rendering.
	PayloadURL PayloadKind = "url"

	// PayloadBytes re-uploads fetched bytes when the channel cannot render the
	// remote reference.
	PayloadBytes PayloadKind = "bytes"

	// PayloadAttachment falls back to a generic attachment link.
	PayloadAttachment PayloadKind = "attachment"
)

// MediaPayload is one send attempt's content. Exactly one representation is
// populated, per Kind.
type MediaPayload struct {
	Kind     PayloadKind
	URL      string
	Bytes    []byte
	FileName string
}

// Messenger hands a payload to the user's chat channel. Failures that a
// retry or a lower tier may recover from are returned as *TransportError;
// anything else aborts the delivery.
type Messenger interface {
	SendMedia(ctx context.Context, target int64, category string, payload MediaPayload, caption string) error
}

// Fetcher pulls result bytes for the re-upload tier.
type Fetcher interface {
	Fetch(ctx context.Context, resultURL string) (content []byte, fileName string, err error)
}

// usableResultURL reports whether a result reference can be handed to the
// chat channel.
func usableResultURL(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}

// firstUsableResultURL returns the first sendable reference.
func firstUsableResultURL(resultURLs []string) (string, bool) {
	for _, raw := range resultURLs {
		if usableResultURL(raw) {
			return strings.TrimSpace(raw), true
		}
	}
	return "", false
}
