package triageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/pingtriage/internal/pingtriage"
	"github.com/agentworkforce/pingtriage/internal/workflow"
)

// HTTPError is returned for any non-2xx response. 404 matches
// pingtriage.ErrNotFound and 400 responses match ErrValidation or
// ErrInvalidInput depending on the server's error code.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case pingtriage.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case pingtriage.ErrValidation:
		return e.StatusCode == http.StatusBadRequest && e.Code == "validation_failed"
	case pingtriage.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest && e.Code != "validation_failed"
	}
	return false
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// InsertResult reports the id of an inserted ping and whether it was new.
type InsertResult struct {
	ID      string          `json:"id"`
	Created bool            `json:"created"`
	Ping    pingtriage.Ping `json:"ping"`
}

// InsertPing posts a fetched message. threadIdentifier is the raw
// platform-side thread key and may be empty.
func (c *HTTPClient) InsertPing(ctx context.Context, in pingtriage.NewPing, threadIdentifier string) (InsertResult, error) {
	body := map[string]any{
		"platform":   in.Platform,
		"message_id": in.MessageID,
		"timestamp":  in.Timestamp,
		"author":     in.Author,
		"content":    in.Content,
	}
	if in.ThreadID != "" {
		body["thread_id"] = in.ThreadID
	}
	if threadIdentifier != "" {
		body["thread_identifier"] = threadIdentifier
	}
	if in.Metadata != nil {
		body["metadata"] = in.Metadata
	}
	var out InsertResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/pings", body, &out)
	return out, err
}

func (c *HTTPClient) ListPings(ctx context.Context, status pingtriage.Status, limit int) ([]pingtriage.Ping, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	requestPath := "/v1/pings"
	if encoded := q.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var out struct {
		Items []pingtriage.Ping `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out.Items, err
}

func (c *HTTPClient) GetPing(ctx context.Context, pingID string) (pingtriage.Ping, error) {
	var out pingtriage.Ping
	err := c.doJSON(ctx, http.MethodGet, "/v1/pings/"+url.PathEscape(pingID), nil, &out)
	return out, err
}

// AttachAnalysis sends the analysis as-is; the server validates it. With
// escalate set the server may raise the priority from urgency cues.
func (c *HTTPClient) AttachAnalysis(ctx context.Context, pingID string, analysis pingtriage.Analysis, escalate bool) (pingtriage.Ping, error) {
	requestPath := "/v1/pings/" + url.PathEscape(pingID) + "/analysis"
	if escalate {
		requestPath += "?escalate=true"
	}
	var out pingtriage.Ping
	err := c.doJSON(ctx, http.MethodPost, requestPath, analysis, &out)
	return out, err
}

func (c *HTTPClient) UrgencySignals(ctx context.Context, pingID string) (pingtriage.UrgencySignals, error) {
	var out struct {
		Signals pingtriage.UrgencySignals `json:"signals"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/pings/"+url.PathEscape(pingID)+"/signals", nil, &out)
	return out.Signals, err
}

func (c *HTTPClient) MarkResponded(ctx context.Context, pingID string) (pingtriage.Ping, error) {
	var out pingtriage.Ping
	err := c.doJSON(ctx, http.MethodPost, "/v1/pings/"+url.PathEscape(pingID)+"/responded", nil, &out)
	return out, err
}

func (c *HTTPClient) LinkIssue(ctx context.Context, pingID, issueID string) (pingtriage.Ping, error) {
	var out pingtriage.Ping
	err := c.doJSON(ctx, http.MethodPut, "/v1/pings/"+url.PathEscape(pingID)+"/issue", map[string]string{"issue_id": issueID}, &out)
	return out, err
}

func (c *HTTPClient) GetThread(ctx context.Context, threadID string) (pingtriage.Thread, error) {
	var out pingtriage.Thread
	err := c.doJSON(ctx, http.MethodGet, "/v1/threads/"+url.PathEscape(threadID), nil, &out)
	return out, err
}

func (c *HTTPClient) ThreadPings(ctx context.Context, threadID string) ([]pingtriage.Ping, error) {
	var out struct {
		Items []pingtriage.Ping `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/threads/"+url.PathEscape(threadID)+"/pings", nil, &out)
	return out.Items, err
}

func (c *HTTPClient) PendingIssues(ctx context.Context) ([]pingtriage.IssuePayload, error) {
	var out struct {
		Items []pingtriage.IssuePayload `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/issues/pending", nil, &out)
	return out.Items, err
}

// LastSync returns the bookmark for platform and false when none is recorded.
func (c *HTTPClient) LastSync(ctx context.Context, platform string) (string, bool, error) {
	var out struct {
		Timestamp string `json:"timestamp"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/sync/"+url.PathEscape(platform), nil, &out)
	if errors.Is(err, pingtriage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return out.Timestamp, true, nil
}

func (c *HTTPClient) SetLastSync(ctx context.Context, platform, timestamp string) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/sync/"+url.PathEscape(platform), map[string]string{"timestamp": timestamp}, nil)
}

func (c *HTTPClient) Stats(ctx context.Context) (pingtriage.Stats, error) {
	var out pingtriage.Stats
	err := c.doJSON(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

func (c *HTTPClient) Triage(ctx context.Context) (workflow.TriageReport, error) {
	var out workflow.TriageReport
	err := c.doJSON(ctx, http.MethodGet, "/v1/workflow/triage", nil, &out)
	return out, err
}

// StreamEvents reads the change feed and calls fn for every event until ctx
// is done, the server closes the stream, or fn returns an error.
func (c *HTTPClient) StreamEvents(ctx context.Context, fn func(pingtriage.Event) error) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", correlationID())
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/events"
	// The stream is long lived; ctx bounds it instead of the client timeout.
	dialClient := *c.httpClient
	dialClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &dialClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var event pingtriage.Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusGoingAway || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("triage_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
