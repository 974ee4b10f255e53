package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"deploycli/pkg/manifest"
)

// Stage names where a fetch failed.
type Stage string

const (
	StageLookup  Stage = "lookup"
	StageRequest Stage = "request"
	StageStage   Stage = "stage"
	StageVerify  Stage = "verify"
	StageCommit  Stage = "commit"
	StageUnpack  Stage = "unpack"
	StageExecute Stage = "execute"
)

// TransferError reports a failed Fetch. Status and Body are set when the
// registry answered with an unexpected status.
type TransferError struct {
	Stage  Stage
	Task   manifest.Task
	Status int
	Body   string
	Err    error
}

func (e *TransferError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s: %s", e.Task.Key(), e.Stage)
	if e.Status != 0 && e.Err == nil {
		fmt.Fprintf(&b, ": unexpected status %d", e.Status)
		if e.Body != "" {
			fmt.Fprintf(&b, ": %s", e.Body)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransferError) Unwrap() error { return e.Err }

// StatusError is a non-2xx registry answer outside of Fetch.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &StatusError{Status: resp.StatusCode, Message: errorMessage(body)}
}

// errorMessage extracts {"error": "..."} or a bare JSON string, falling back
// to the raw text.
func errorMessage(body []byte) string {
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && obj.Error != "" {
		return obj.Error
	}
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(body))
}
