package publish

import (
	"context"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

// NewGitHubClient returns a client that authenticates with token and retries
// server errors, rate limiting and connection failures with exponential
// backoff. Client errors such as 401 are returned at once.
func NewGitHubClient(token string, maxRetries int) (*github.Client, error) {
	if token == "" {
		return nil, &AuthError{Op: "create client", Err: ErrMissingToken}
	}
	oauthClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	oauthClient.Timeout = time.Minute

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	retryClient.HTTPClient = oauthClient
	retryClient.RetryMax = maxRetries
	retryClient.RetryWaitMin = 2 * time.Second
	retryClient.RetryWaitMax = 30 * time.Second
	return github.NewClient(retryClient.StandardClient()), nil
}
