package authsdk

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// DefaultAuthPath is where the service mounts the auth API.
const DefaultAuthPath = "/api/auth"

// Client talks to a Gatehouse service as one registered OAuth client.
// Unauthenticated calls (health, discovery, JWKS) work without credentials.
type Client struct {
	// BaseURL is the service origin, e.g. https://auth.example.com.
	BaseURL string
	// AuthPath is the mount point of the auth API.
	AuthPath string

	ClientID     string
	ClientSecret string

	HTTPClient *http.Client

	// PostAuth sends the client secret in the form body instead of HTTP Basic.
	PostAuth bool

	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	discovery *Discovery
	provider  *oidc.Provider
}

// NewClient creates a client for the service at baseURL. clientSecret is
// empty for public clients.
func NewClient(baseURL, clientID, clientSecret string) *Client {
	return &Client{
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		AuthPath:     DefaultAuthPath,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		sleep: sleepContext,
	}
}

// Issuer is the expected iss claim of tokens minted by the service.
func (c *Client) Issuer() string {
	return c.BaseURL + c.AuthPath
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
