// Package messenger is the authenticated request/response transport used to
// talk to sellers, the catalog and the marketplace.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Request headers set on every call.
const (
	HeaderUserID    = "Bitmunk-User-Id"
	HeaderProfileID = "Bitmunk-Profile-Id"
	HeaderSignature = "Bitmunk-Signature"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 * 1024

// Messenger is the secure request/response transport.
type Messenger interface {
	// Post sends in as JSON and decodes the response into out when out is
	// not nil.
	Post(ctx context.Context, url string, in, out any, userID purchase.UserID) error
	// GetSecure decodes the response of an authenticated GET into out.
	GetSecure(ctx context.Context, url string, out any, userID purchase.UserID) error
	// PostStream sends in as JSON and hands back the open response. The
	// caller reads the body to the end for trailers and closes it.
	PostStream(ctx context.Context, url string, in any, userID purchase.UserID) (*http.Response, error)
}

// RequestSigner signs outgoing request bodies.
type RequestSigner interface {
	ProfileID() purchase.ProfileID
	Sign(data []byte) string
}

// Client implements Messenger over HTTP with a bearer token, signed bodies
// and traced transport.
type Client struct {
	httpClient *http.Client
	signer     RequestSigner
	telemetry  *telemetry.Telemetry
}

var _ Messenger = (*Client)(nil)

// NewClient creates a client. An empty token sends no Authorization header.
func NewClient(token string, signer RequestSigner, tel *telemetry.Telemetry) *Client {
	base := http.DefaultTransport

	if token != "" {
		base = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   base,
		}
	}

	return &Client{
		// No overall timeout: piece streams can run for minutes. Calls are
		// bounded by their contexts.
		httpClient: &http.Client{Transport: otelhttp.NewTransport(base)},
		signer:     signer,
		telemetry:  tel,
	}
}

func (c *Client) Post(ctx context.Context, url string, in, out any, userID purchase.UserID) error {
	return c.telemetry.InstrumentClientOperation(ctx, "messenger", "post", func(ctx context.Context) error {
		resp, err := c.do(ctx, "post", http.MethodPost, url, in, userID)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		return decode(resp, "post", url, out)
	})
}

func (c *Client) GetSecure(ctx context.Context, url string, out any, userID purchase.UserID) error {
	return c.telemetry.InstrumentClientOperation(ctx, "messenger", "get", func(ctx context.Context) error {
		resp, err := c.do(ctx, "get", http.MethodGet, url, nil, userID)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		return decode(resp, "get", url, out)
	})
}

func (c *Client) PostStream(ctx context.Context, url string, in any, userID purchase.UserID) (*http.Response, error) {
	var resp *http.Response

	err := c.telemetry.InstrumentClientOperation(ctx, "messenger", "stream", func(ctx context.Context) error {
		var err error

		resp, err = c.do(ctx, "stream", http.MethodPost, url, in, userID)

		return err
	})

	return resp, err
}

func (c *Client) do(ctx context.Context, op, method, url string, in any, userID purchase.UserID) (*http.Response, error) {
	logger := logctx.LoggerFromContext(ctx).With("operation", op, "url", url)

	var body []byte

	if in != nil {
		var err error

		body, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderUserID, strconv.FormatUint(uint64(userID), 10))

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.signer != nil {
		req.Header.Set(HeaderProfileID, strconv.FormatUint(uint64(c.signer.ProfileID()), 10))
		req.Header.Set(HeaderSignature, c.signer.Sign(body))
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.DebugContext(ctx, "request failed", "err", err)

		return nil, &NetworkError{Operation: op, URL: url, APIMessage: err.Error(), Err: err}
	}

	logger.DebugContext(ctx, "request completed", "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()

		return nil, responseError(resp, op, url)
	}

	return resp, nil
}

// remoteError is the error body peers answer with.
type remoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func responseError(resp *http.Response, op, url string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthenticationError{Operation: op, URL: url, Err: errors.New(string(raw))}
	}

	netErr := &NetworkError{
		Operation:  op,
		URL:        url,
		StatusCode: resp.StatusCode,
		APIMessage: http.StatusText(resp.StatusCode),
	}

	var re remoteError
	if json.Unmarshal(raw, &re) == nil && re.Message != "" {
		netErr.RemoteCode = re.Type
		netErr.APIMessage = re.Message
	}

	return netErr
}

func decode(resp *http.Response, op, url string, out any) error {
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{
			Operation:  op,
			URL:        url,
			StatusCode: resp.StatusCode,
			APIMessage: "malformed response body",
			Err:        err,
		}
	}

	return nil
}
