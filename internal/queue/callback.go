package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"runline/internal/apperr"
)

// StepCallback is the body of a step execution callback.
type StepCallback struct {
	RunID  string `json:"runId"`
	StepID string `json:"stepId"`
}

// DecodeCallback strictly parses a verified callback body. Unknown fields,
// trailing data and missing ids are bad requests.
func DecodeCallback(body []byte) (StepCallback, error) {
	var cb StepCallback
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cb); err != nil {
		return StepCallback{}, apperr.New(apperr.BadRequest, "invalid callback body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return StepCallback{}, apperr.New(apperr.BadRequest, "invalid callback body: trailing data")
	}
	cb.RunID = strings.TrimSpace(cb.RunID)
	cb.StepID = strings.TrimSpace(cb.StepID)
	if cb.RunID == "" || cb.StepID == "" {
		return StepCallback{}, apperr.New(apperr.BadRequest, "runId and stepId are required")
	}
	return cb, nil
}

// Client delivers signed step callbacks to the API's callback endpoint.
type Client struct {
	URL    string
	Signer Signer
	HTTP   *http.Client
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Deliver posts cb and maps the error envelope back into the taxonomy.
// Transport failures and 5xx answers are bad_gateway so the caller can retry.
func (c Client) Deliver(ctx context.Context, cb StepCallback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	sig, err := c.Signer.Sign(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.BadGateway, err, "deliver step callback")
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var env errorEnvelope
	_ = json.Unmarshal(data, &env)
	if resp.StatusCode >= 500 || env.Error.Code == "" {
		return apperr.New(apperr.BadGateway, "step callback failed with status %d", resp.StatusCode)
	}
	return apperr.New(apperr.Code(env.Error.Code), "%s", env.Error.Message)
}

// Retryable reports whether a failed delivery may be attempted again.
// 4xx answers are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch apperr.CodeOf(err) {
	case apperr.BadRequest, apperr.Unauthorized, apperr.Forbidden, apperr.NotFound, apperr.Conflict:
		return false
	}
	return true
}

// Submitter is anything that accepts step callbacks, either over HTTP or
// in process.
type Submitter interface {
	Deliver(ctx context.Context, cb StepCallback) error
}

var _ Submitter = Client{}

func (cb StepCallback) String() string {
	return fmt.Sprintf("%s/%s", cb.RunID, cb.StepID)
}
