package scmapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// EndpointStatus represents a normalized endpoint outcome.
type EndpointStatus string

const (
	// EndpointStatusOK indicates a successful response.
	EndpointStatusOK EndpointStatus = "ok"
	// EndpointStatusUnauthorized indicates missing or rejected credentials.
	EndpointStatusUnauthorized EndpointStatus = "unauthorized"
	// EndpointStatusForbidden indicates restricted access.
	EndpointStatusForbidden EndpointStatus = "forbidden"
	// EndpointStatusNotFound indicates the resource does not exist or is hidden.
	EndpointStatusNotFound EndpointStatus = "not_found"
	// EndpointStatusNotAcceptable indicates the server refused the requested media type.
	EndpointStatusNotAcceptable EndpointStatus = "not_acceptable"
	// EndpointStatusUnavailable indicates a temporary service-side failure.
	EndpointStatusUnavailable EndpointStatus = "unavailable"
	// EndpointStatusUnknown indicates an unclassified non-success status.
	EndpointStatusUnknown EndpointStatus = "unknown"
)

const maxDiffBytes = 64 << 20

func endpointStatusFromHTTP(statusCode int) EndpointStatus {
	switch statusCode {
	case http.StatusUnauthorized:
		return EndpointStatusUnauthorized
	case http.StatusForbidden:
		return EndpointStatusForbidden
	case http.StatusNotFound:
		return EndpointStatusNotFound
	case http.StatusNotAcceptable:
		return EndpointStatusNotAcceptable
	}
	if statusCode >= 200 && statusCode <= 299 {
		return EndpointStatusOK
	}
	if statusCode >= 500 {
		return EndpointStatusUnavailable
	}
	return EndpointStatusUnknown
}

// getter issues GET requests relative to one server base URL.
type getter struct {
	baseURL       *url.URL
	requestClient *Client
}

func (g getter) endpoint(query url.Values, segments ...string) *url.URL {
	reqURL := cloneURL(g.baseURL)
	reqURL.Path = joinURLPath(reqURL.Path, segments...)
	if query != nil {
		reqURL.RawQuery = query.Encode()
	}
	return reqURL
}

// get performs one request. A non-ok status is returned with a nil response and the body closed.
func (g getter) get(ctx context.Context, target *url.URL, accept, operation string) (*http.Response, EndpointStatus, CallMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, EndpointStatusUnknown, CallMetadata{}, fmt.Errorf("build %s request: %w", operation, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, metadata, err := g.requestClient.Do(req)
	if err != nil {
		return nil, EndpointStatusUnknown, metadata, fmt.Errorf("%s request failed: %w", operation, err)
	}
	if resp == nil {
		return nil, EndpointStatusUnknown, metadata, fmt.Errorf("%s request failed: nil response", operation)
	}

	status := endpointStatusFromHTTP(resp.StatusCode)
	if status != EndpointStatusOK {
		closeBody(resp)
		return nil, status, metadata, nil
	}
	return resp, status, metadata, nil
}

// getJSON performs one request and decodes a successful body into target.
func (g getter) getJSON(ctx context.Context, target *url.URL, accept, operation string, payload any) (EndpointStatus, CallMetadata, error) {
	resp, status, metadata, err := g.get(ctx, target, accept, operation)
	if err != nil || status != EndpointStatusOK {
		return status, metadata, err
	}
	if err := decodeJSONAndClose(resp, payload); err != nil {
		return EndpointStatusUnknown, metadata, fmt.Errorf("decode %s response: %w", operation, err)
	}
	return status, metadata, nil
}

func decodeJSONAndClose(resp *http.Response, target any) error {
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(target); err != nil {
		return err
	}
	return nil
}

func readBodyAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, maxDiffBytes))
}

func parseBaseURL(raw, label string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s base url is required", label)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse %s base url: %w", label, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse %s base url: missing scheme or host", label)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func cloneURL(in *url.URL) *url.URL {
	cloned := *in
	return &cloned
}

func joinURLPath(base string, segments ...string) string {
	builder := strings.Builder{}
	builder.WriteString(strings.TrimSuffix(base, "/"))
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.Trim(segment, "/"))
	}
	return builder.String()
}

func mergeMetadata(current CallMetadata, incoming CallMetadata) CallMetadata {
	current.Attempts += incoming.Attempts
	current.LastDecision = incoming.LastDecision
	current.LastRateHeaders = incoming.LastRateHeaders
	return current
}
