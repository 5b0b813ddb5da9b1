package relaygraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultNotionBaseURL    = "https://api.notion.com"
	defaultNotionAPIVersion = "2022-06-28"
	notionSearchPageSize    = 100
)

type NotionClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	APIVersion string
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// MaxPages caps search pagination; zero means unlimited.
	MaxPages int
	Breaker  *gobreaker.CircuitBreaker
	Logger   *zap.Logger
}

// NotionClient lists every page and database the credential can see through the
// search endpoint. Server errors are retried with backoff; authorization failures and
// rate limits are returned at once so the caller decides when to come back.
type NotionClient struct {
	baseURL    string
	httpClient *http.Client
	apiVersion string
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxPages   int
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewNotionClient(opts NotionClientOptions) *NotionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultNotionBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultNotionAPIVersion
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = NewNotionBreaker("notion", logger)
	}
	return &NotionClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		apiVersion: apiVersion,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		maxPages:   opts.MaxPages,
		breaker:    breaker,
		logger:     logger,
	}
}

// NewNotionBreaker opens after a run of remote failures. Auth and rate-limit
// responses do not count against the remote.
func NewNotionBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrRateLimited) || errors.Is(err, context.Canceled)
		},
	})
}

type notionSearchRequest struct {
	PageSize    int    `json:"page_size"`
	StartCursor string `json:"start_cursor,omitempty"`
}

type notionSearchResponse struct {
	Results    []json.RawMessage `json:"results"`
	HasMore    bool              `json:"has_more"`
	NextCursor *string           `json:"next_cursor"`
}

func (c *NotionClient) FetchNodes(ctx context.Context, credential string) ([]RemoteNode, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, &RemoteError{Kind: ErrAuthExpired, Message: "credential is empty"}
	}
	nodes := make([]RemoteNode, 0)
	cursor := ""
	for page := 1; ; page++ {
		response, err := c.search(ctx, credential, cursor)
		if err != nil {
			return nil, err
		}
		for _, raw := range response.Results {
			node, keep := decodeNotionObject(raw)
			if keep {
				nodes = append(nodes, node)
			}
		}
		if !response.HasMore || response.NextCursor == nil || *response.NextCursor == "" {
			return nodes, nil
		}
		if c.maxPages > 0 && page >= c.maxPages {
			c.logger.Warn("search pagination truncated", zap.Int("pages", page))
			return nodes, nil
		}
		cursor = *response.NextCursor
	}
}

func (c *NotionClient) search(ctx context.Context, credential, cursor string) (notionSearchResponse, error) {
	body, err := json.Marshal(notionSearchRequest{PageSize: notionSearchPageSize, StartCursor: cursor})
	if err != nil {
		return notionSearchResponse{}, err
	}
	for attempt := 0; ; attempt++ {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doSearch(ctx, credential, body)
		})
		if err == nil {
			return result.(notionSearchResponse), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return notionSearchResponse{}, &RemoteError{Kind: ErrRemoteUnavailable, Message: err.Error()}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return notionSearchResponse{}, &RemoteError{Kind: ErrRemoteUnavailable, Message: ctxErr.Error()}
		}
		var remoteErr *RemoteError
		retryable := !errors.As(err, &remoteErr) || remoteErr.Kind == ErrRemoteUnavailable
		if !retryable || attempt >= c.maxRetries {
			if remoteErr != nil {
				return notionSearchResponse{}, remoteErr
			}
			return notionSearchResponse{}, &RemoteError{Kind: ErrRemoteUnavailable, Message: err.Error()}
		}
		retryAfter := time.Duration(0)
		if remoteErr != nil {
			retryAfter = remoteErr.RetryAfter
		}
		if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, retryAfter)); waitErr != nil {
			return notionSearchResponse{}, &RemoteError{Kind: ErrRemoteUnavailable, Message: waitErr.Error()}
		}
	}
}

func (c *NotionClient) doSearch(ctx context.Context, credential string, body []byte) (notionSearchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return notionSearchResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", c.apiVersion)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return notionSearchResponse{}, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return notionSearchResponse{}, readErr
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var parsed notionSearchResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return notionSearchResponse{}, &RemoteError{Kind: ErrRemoteUnavailable, StatusCode: resp.StatusCode, Message: "decode search response: " + err.Error()}
		}
		return parsed, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return notionSearchResponse{}, &RemoteError{Kind: ErrAuthExpired, StatusCode: resp.StatusCode, Message: notionErrorMessage(respBody)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return notionSearchResponse{}, &RemoteError{
			Kind:       ErrRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
			Message:    notionErrorMessage(respBody),
		}
	case resp.StatusCode >= 500:
		return notionSearchResponse{}, &RemoteError{
			Kind:       ErrRemoteUnavailable,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
			Message:    notionErrorMessage(respBody),
		}
	default:
		return notionSearchResponse{}, &RemoteError{Kind: ErrRemoteUnavailable, StatusCode: resp.StatusCode, Message: notionErrorMessage(respBody)}
	}
}

func notionErrorMessage(body []byte) string {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if strings.TrimSpace(parsed.Message) != "" {
			message = parsed.Message
		}
		if parsed.Code != "" {
			return fmt.Sprintf("code=%s message=%s", parsed.Code, message)
		}
	}
	return message
}

func (c *NotionClient) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
