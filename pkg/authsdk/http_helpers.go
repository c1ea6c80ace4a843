package authsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// url builds an absolute URL for a path under the auth mount.
func (c *Client) url(path string) string {
	return c.BaseURL + c.AuthPath + path
}

// doRequest performs an HTTP request with the client's HTTP client.
func (c *Client) doRequest(
	ctx context.Context,
	method, target string,
	body io.Reader,
	headers map[string]string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	return resp, nil
}

// postForm sends an authenticated form to an OAuth endpoint. Credentials are
// encoded per RFC 6749 section 2.3.1.
func (c *Client) postForm(ctx context.Context, path string, data url.Values) (*http.Response, error) {
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	switch {
	case c.ClientSecret == "":
		data.Set("client_id", c.ClientID)
	case c.PostAuth:
		data.Set("client_id", c.ClientID)
		data.Set("client_secret", c.ClientSecret)
	default:
		req := http.Request{Header: http.Header{}}
		req.SetBasicAuth(url.QueryEscape(c.ClientID), url.QueryEscape(c.ClientSecret))
		headers["Authorization"] = req.Header.Get("Authorization")
	}
	return c.doRequest(ctx, http.MethodPost, c.url(path), strings.NewReader(data.Encode()), headers)
}

// decodeJSON decodes a JSON response into target, or returns a typed error
// when the status is not expectedStatus.
func decodeJSON(resp *http.Response, target any, expectedStatus int) error {
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != expectedStatus {
		return parseErrorResponse(resp, bodyBytes)
	}

	if err := json.Unmarshal(bodyBytes, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// checkStatus returns a typed error unless the response is 200 OK.
func checkStatus(resp *http.Response) error {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp, bodyBytes)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
