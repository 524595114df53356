package llm

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ConfigurationError is returned when a required setting of the selected provider is absent
type ConfigurationError struct {
	Provider string
	Field    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s: missing %s", e.Provider, e.Field)
}

// HTTPError is returned on a non-success status from a vendor
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider %s: http %d: %s", e.Provider, e.StatusCode, truncate(e.Body, 512))
}

// ResponseFormatError is returned when a vendor response does not have the expected shape
type ResponseFormatError struct {
	Provider string
	Reason   string
}

func (e *ResponseFormatError) Error() string {
	return fmt.Sprintf("provider %s: unexpected response: %s", e.Provider, e.Reason)
}

// IsConfigurationError reports whether err is a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// StatusCode returns the vendor HTTP status carried by err, or 0
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// statusMiddleware turns non-2xx vendor responses into *HTTPError carrying the raw body.
// Its signature matches the SDK middleware aliases of both openai-go and anthropic-sdk-go.
func statusMiddleware(provider string) func(*http.Request, func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	return func(req *http.Request, next func(*http.Request) (*http.Response, error)) (*http.Response, error) {
		res, err := next(req)
		if err != nil || res == nil {
			return res, err
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res, nil
		}
		return nil, httpErrorFromResponse(provider, res)
	}
}

func httpErrorFromResponse(provider string, res *http.Response) *HTTPError {
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	return &HTTPError{Provider: provider, StatusCode: res.StatusCode, Body: string(body)}
}
