package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zaproxy/release-sync/pkg/release"
)

type ErrorResponse struct {
	StatusCode int
	ErrorMsg   string `json:"error"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("unexpected status code: %d, error: %s", e.StatusCode, e.ErrorMsg)
}

type Client struct {
	serverURL  string
	httpClient *http.Client
}

func New(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		httpClient: &http.Client{
			// a run waits for every downstream pull request
			Timeout: 15 * time.Minute,
		},
	}
}

func setAuth(adminAccessToken string) func(r *http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", adminAccessToken)
	}
}

func (c *Client) sendRequest(ctx context.Context, method, endpoint string, body io.Reader, modifyRequestFns ...func(r *http.Request)) (*http.Response, error) {
	apiEndpoint, err := url.JoinPath(c.serverURL, "api/v1", endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, apiEndpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json; charset=utf-8")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	for _, f := range modifyRequestFns {
		f(req)
	}
	return c.httpClient.Do(req)
}

func (c *Client) decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		err := json.NewDecoder(resp.Body).Decode(&errResp)
		if err != nil {
			return err
		}
		return &errResp
	}
	err := json.NewDecoder(resp.Body).Decode(v)
	if err != nil {
		return err
	}
	return nil
}

func (c *Client) GetTargets(ctx context.Context) ([]string, error) {
	resp, err := c.sendRequest(ctx, http.MethodGet, "targets", nil)
	if err != nil {
		return nil, err
	}
	var targets []string
	err = c.decodeResponse(resp, &targets)
	if err != nil {
		return nil, err
	}
	return targets, nil
}

func (c *Client) GetState(ctx context.Context) (*release.Snapshot, error) {
	resp, err := c.sendRequest(ctx, http.MethodGet, "state", nil)
	if err != nil {
		return nil, err
	}
	var snap release.Snapshot
	err = c.decodeResponse(resp, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// TriggerRun starts a propagation run and waits for it to finish. A failed
// run returns its partial result together with the error.
func (c *Client) TriggerRun(ctx context.Context, adminAccessToken string, runReq release.RunRequest) (*release.RunResult, error) {
	var bodyBuffer bytes.Buffer
	err := json.NewEncoder(&bodyBuffer).Encode(runReq)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendRequest(ctx, http.MethodPost, "runs", &bodyBuffer, setAuth(adminAccessToken))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var res release.RunResult
	err = json.NewDecoder(resp.Body).Decode(&res)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode, ErrorMsg: res.Error}
		if res.Succeeded == nil {
			return nil, errResp
		}
		return &res, errResp
	}
	return &res, nil
}
