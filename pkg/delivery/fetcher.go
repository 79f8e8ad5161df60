package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
)

// maxFetchBytes bounds the re-upload tier; chat channels reject larger files
// anyway.
const maxFetchBytes = 50 << 20

// httpFetcher is the default Fetcher, pulling result bytes over plain HTTP.
type httpFetcher struct {
	client *http.Client
}

func (fetcher httpFetcher) Fetch(ctx context.Context, resultURL string) ([]byte, string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, "", err
	}
	client := fetcher.client
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching result %s: status %d", resultURL, response.StatusCode)
	}
	content, err := io.ReadAll(io.LimitReader(response.Body, maxFetchBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(content) > maxFetchBytes {
		return nil, "", fmt.Errorf("result %s exceeds %d bytes", resultURL, maxFetchBytes)
	}
	return content, fileNameFromURL(resultURL), nil
}

func fileNameFromURL(resultURL string) string {
	parsed, err := url.Parse(resultURL)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return "result"
	}
	return path.Base(parsed.Path)
}
