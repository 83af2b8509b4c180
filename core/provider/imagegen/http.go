package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/you-humble/animalexplorer/core/provider"
)

const (
	httpProviderName   = "image-function"
	defaultHTTPTimeout = 60 * time.Second
	maxImageBytes      = 20 << 20
)

type functionRequest struct {
	Animal string `json:"animal"`
}

type functionResponse struct {
	Success     bool   `json:"success"`
	ImageBase64 string `json:"image_base64"`
	Filename    string `json:"filename"`
	Prompt      string `json:"prompt"`
	Error       string `json:"error"`
	Details     string `json:"details"`
}

type httpClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient talks to an image function that accepts {"animal": name}
// and answers with a base64 image.
func NewHTTPClient(url string, timeout time.Duration, client *http.Client) (*httpClient, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("image function url is required")
	}
	if client == nil {
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &httpClient{url: url, client: client}, nil
}

func (c *httpClient) FetchImage(ctx context.Context, query string) (provider.Image, error) {
	body, err := json.Marshal(functionRequest{Animal: query})
	if err != nil {
		return provider.Image{}, provider.Classify(httpProviderName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return provider.Image{}, provider.Classify(httpProviderName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return provider.Image{}, provider.Classify(httpProviderName, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return provider.Image{}, provider.Classify(httpProviderName, err)
	}

	var out functionResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && out.Error != "" {
			return provider.Image{}, functionError(resp.StatusCode, out)
		}
		return provider.Image{}, provider.FromStatus(httpProviderName, resp.StatusCode, string(raw))
	}
	if decodeErr != nil {
		return provider.Image{}, badResponse("decode response: " + decodeErr.Error())
	}
	if !out.Success {
		return provider.Image{}, functionError(resp.StatusCode, out)
	}

	data, err := base64.StdEncoding.DecodeString(out.ImageBase64)
	if err != nil {
		return provider.Image{}, badResponse("decode image: " + err.Error())
	}
	if len(data) == 0 {
		return provider.Image{}, badResponse("empty image")
	}

	return provider.Image{
		Data:     data,
		MIME:     http.DetectContentType(data),
		Filename: out.Filename,
		Prompt:   out.Prompt,
	}, nil
}

func functionError(status int, out functionResponse) *provider.Error {
	upper := strings.ToUpper(out.Error + " " + out.Details)
	cat := provider.CategoryUnexpected
	switch {
	case status == http.StatusUnauthorized || strings.Contains(upper, "UNAUTHENTICATED"):
		cat = provider.CategoryAuthentication
	case status == http.StatusTooManyRequests || strings.Contains(upper, "QUOTA"):
		cat = provider.CategoryQuota
	case strings.Contains(upper, "TIMEOUT") || strings.Contains(upper, "DEADLINE"):
		cat = provider.CategoryTimeout
	}
	details := out.Error
	if out.Details != "" {
		details = fmt.Sprintf("%s: %s", out.Error, out.Details)
	}
	return &provider.Error{Provider: httpProviderName, Category: cat, Details: details}
}

func badResponse(details string) *provider.Error {
	return &provider.Error{
		Provider: httpProviderName,
		Category: provider.CategoryBadResponse,
		Details:  details,
	}
}
