// Package client implements a generic REST API client.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var userAgent = "racesync/0.1"

// Client holds configuration items for the REST client and provides methods that interact with the REST API.
type Client struct {
	BaseURL *url.URL

	userAgent string
	client    *http.Client
}

// ErrorResponse is returned by Do when the API answers with anything other than a 2xx status.
type ErrorResponse struct {
	Response *http.Response
	Body     []byte
}

func (e *ErrorResponse) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(e.Response.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Response.Request.Method, e.Response.Request.URL.Path, e.Response.StatusCode, msg)
}

// StatusCode returns the HTTP status code of the failed response.
func (e *ErrorResponse) StatusCode() int {
	return e.Response.StatusCode
}

// NewClient returns a new REST API client. If a nil httpClient is
// provided, http.DefaultClient will be used. To use API methods which require
// authentication, provide an http.Client that will perform the authentication
// for you (such as that provided by the golang.org/x/oauth2 library).
func NewClient(baseURL *url.URL, cc *http.Client) *Client {
	if cc == nil {
		cc = http.DefaultClient
	}

	// A base URL without a trailing slash would drop its last path segment
	// when relative paths are resolved against it.
	if !strings.HasSuffix(baseURL.Path, "/") {
		u := *baseURL
		u.Path += "/"
		baseURL = &u
	}

	return &Client{BaseURL: baseURL, userAgent: userAgent, client: cc}
}

// NewRequest creates an HTTP Request. The urlStr is resolved relative to the
// BaseURL. If a non-nil body is provided it will be JSON encoded and included
// in the request.
func (c *Client) NewRequest(ctx context.Context, method, urlStr string, body interface{}) (*http.Request, error) {
	u, err := c.BaseURL.Parse(strings.TrimPrefix(urlStr, "/"))
	if err != nil {
		return nil, err
	}

	var buf io.ReadWriter
	if body != nil {
		buf = new(bytes.Buffer)
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		err = enc.Encode(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), buf)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// Do sends a request and returns the response. An error is returned if the request cannot
// be sent or if the API returns an error. If a response is received, the response body
// is decoded and stored in the value pointed to by v.
//
// The response body has always been consumed and closed when Do returns, so
// callers only need the returned response for its status and headers.
func (c *Client) Do(req *http.Request, v interface{}) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, err
	}

	// Anything other than a HTTP 2xx response code is treated as an error.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 { //nolint:gomnd
		return resp, &ErrorResponse{Response: resp, Body: data}
	}

	if v != nil && len(bytes.TrimSpace(data)) != 0 {
		if err := json.Unmarshal(data, v); err != nil {
			return resp, fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
		}
	}

	return resp, nil
}
