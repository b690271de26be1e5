package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// Classification buckets a reasoning service failure. Transient classes are
// retried with backoff; permanent classes fail the call immediately.
type Classification string

const (
	ClassTimeout        Classification = "timeout"
	ClassRateLimited    Classification = "rate_limited"
	ClassServerError    Classification = "server_error"
	ClassNetwork        Classification = "network"
	ClassAuth           Classification = "auth"
	ClassInvalidRequest Classification = "invalid_request"
	ClassContentPolicy  Classification = "content_policy"
	ClassRetryExhausted Classification = "retry_exhausted"
)

// Transient reports whether a failure of this class is worth retrying.
func (c Classification) Transient() bool {
	switch c {
	case ClassTimeout, ClassRateLimited, ClassServerError, ClassNetwork:
		return true
	}
	return false
}

// ServiceError describes a reasoning service failure.
type ServiceError struct {
	Class   Classification
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("reasoning service: %s: %s", e.Class, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("reasoning service: %s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("reasoning service: %s", e.Class)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func toServiceError(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return &ServiceError{Class: classify(err), Err: err}
}

// classify maps an error from the OpenAI client onto a Classification.
func classify(err error) Classification {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == "content_policy_violation" {
			return ClassContentPolicy
		}
		return classifyStatus(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	return ClassNetwork
}

func classifyStatus(status int) Classification {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500:
		return ClassServerError
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ClassAuth
	default:
		return ClassInvalidRequest
	}
}
