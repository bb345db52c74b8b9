package sqs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DateLayout is the calendar date format used on the wire.
const DateLayout = "2006-01-02"

// ErrBadRequest marks a request that can never be processed. The poller
// deletes such messages instead of leaving them for redelivery.
var ErrBadRequest = errors.New("bad request")

// Request asks the worker to evaluate one study on one calendar date.
type Request struct {
	StudyID string
	// Date is the target calendar date at midnight UTC. Only the year, month
	// and day are meaningful.
	Date time.Time
	Tag  string
}

type wireRequest struct {
	StudyID *string `json:"studyId"`
	Date    *string `json:"date"`
	Tag     string  `json:"tag,omitempty"`
}

// DateString returns the request date in YYYY-MM-DD form.
func (r Request) DateString() string {
	return r.Date.Format(DateLayout)
}

// MarshalJSON encodes the request in its queue form.
func (r Request) MarshalJSON() ([]byte, error) {
	date := r.DateString()
	return json.Marshal(wireRequest{StudyID: &r.StudyID, Date: &date, Tag: r.Tag})
}

// ParseRequest decodes and validates a queue message body. Every failure
// wraps ErrBadRequest.
func ParseRequest(body []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(body, &w); err != nil {
		return Request{}, fmt.Errorf("%w: invalid json: %v", ErrBadRequest, err)
	}

	if w.StudyID == nil || *w.StudyID == "" {
		return Request{}, fmt.Errorf("%w: studyId is required", ErrBadRequest)
	}
	if w.Date == nil || *w.Date == "" {
		return Request{}, fmt.Errorf("%w: date is required", ErrBadRequest)
	}

	date, err := ParseDate(*w.Date)
	if err != nil {
		return Request{}, err
	}

	return Request{StudyID: *w.StudyID, Date: date, Tag: w.Tag}, nil
}

// ParseDate parses a YYYY-MM-DD date. Failures wrap ErrBadRequest.
func ParseDate(s string) (time.Time, error) {
	date, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrBadRequest, s)
	}
	return date, nil
}
