// Package bridge is a client for the participant directory REST API: account
// listing, participant detail, activity events, task history, and SMS.
package bridge

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
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when the directory answers 404.
var ErrNotFound = errors.New("bridge: not found")

// StatusError is returned when the directory answers with a non-2xx status
// other than 404.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsClientError reports whether err is a 4xx rejection of one request.
// 429 is excluded since it reflects directory load.
func IsClientError(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}

// SessionHeader carries the worker's session token.
const SessionHeader = "Bridge-Session"

// Config holds directory client settings.
type Config struct {
	BaseURL      string
	SessionToken string
	Timeout      time.Duration
	PageSize     int
}

// Client talks to the participant directory.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	pageSize   int
	logger     *zap.Logger
}

// NewClient creates a directory client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		token:      cfg.SessionToken,
		pageSize:   pageSize,
		logger:     logger,
	}
}

func participantPath(studyID, userID string) string {
	return fmt.Sprintf("/v3/studies/%s/participants/%s", url.PathEscape(studyID), url.PathEscape(userID))
}

// AccountSummaries lists every account in the study, one page at a time.
// Order is whatever the directory returns and may differ between runs.
func (c *Client) AccountSummaries(studyID string) *Iterator[AccountSummary] {
	path := fmt.Sprintf("/v3/studies/%s/participants", url.PathEscape(studyID))

	return NewIterator(func(ctx context.Context, cursor string) ([]AccountSummary, string, error) {
		offset := 0
		if cursor != "" {
			o, err := strconv.Atoi(cursor)
			if err != nil {
				return nil, "", fmt.Errorf("invalid account offset %q: %w", cursor, err)
			}
			offset = o
		}

		params := url.Values{}
		params.Set("offsetBy", strconv.Itoa(offset))
		params.Set("pageSize", strconv.Itoa(c.pageSize))

		var page accountSummaryPage
		if err := c.do(ctx, http.MethodGet, path, params, nil, &page); err != nil {
			return nil, "", fmt.Errorf("list accounts for study %s at offset %d: %w", studyID, offset, err)
		}

		next := ""
		if end := offset + len(page.Items); len(page.Items) > 0 && end < page.Total {
			next = strconv.Itoa(end)
		}
		return page.Items, next, nil
	})
}

// GetParticipant fetches the full participant record, including consent history.
func (c *Client) GetParticipant(ctx context.Context, studyID, userID string) (*Participant, error) {
	params := url.Values{}
	params.Set("consents", "true")

	var p Participant
	if err := c.do(ctx, http.MethodGet, participantPath(studyID, userID), params, nil, &p); err != nil {
		return nil, fmt.Errorf("get participant %s: %w", userID, err)
	}
	return &p, nil
}

// GetActivityEvents returns all activity events for a participant in the
// order the directory returns them.
func (c *Client) GetActivityEvents(ctx context.Context, studyID, userID string) ([]ActivityEvent, error) {
	var list activityEventList
	if err := c.do(ctx, http.MethodGet, participantPath(studyID, userID)+"/activityEvents", nil, nil, &list); err != nil {
		return nil, fmt.Errorf("get activity events for %s: %w", userID, err)
	}
	return list.Items, nil
}

// TaskHistory lists the scheduled instances of taskID with scheduledOn in
// [start, end).
func (c *Client) TaskHistory(studyID, userID, taskID string, start, end time.Time) *Iterator[ScheduledActivity] {
	path := participantPath(studyID, userID) + "/activities/" + url.PathEscape(taskID)

	return NewIterator(func(ctx context.Context, cursor string) ([]ScheduledActivity, string, error) {
		params := url.Values{}
		params.Set("scheduledOnStart", start.Format(time.RFC3339))
		params.Set("scheduledOnEnd", end.Format(time.RFC3339))
		params.Set("pageSize", strconv.Itoa(c.pageSize))
		if cursor != "" {
			params.Set("offsetKey", cursor)
		}

		var page scheduledActivityPage
		if err := c.do(ctx, http.MethodGet, path, params, nil, &page); err != nil {
			return nil, "", fmt.Errorf("get task history for %s: %w", userID, err)
		}
		return page.Items, page.NextPageOffsetKey, nil
	})
}

// SendSMS asks the directory to text the participant.
func (c *Client) SendSMS(ctx context.Context, studyID, userID, message string) error {
	body := smsRequest{Message: message}
	if err := c.do(ctx, http.MethodPost, participantPath(studyID, userID)+"/sms/send", nil, body, nil); err != nil {
		return fmt.Errorf("send sms to %s: %w", userID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(SessionHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("bridge request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: truncate(data, 200)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// truncate shortens a response body for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
