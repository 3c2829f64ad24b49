package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// ErrServiceUnreachable matches any Failure of kind KindUnreachable. The
// orchestrator treats it as fatal for the whole run.
var ErrServiceUnreachable = errors.New("classification service unreachable")

// Kind tags why a classification call failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindTimeout
	KindUnavailable
	KindBadRequest
	KindAuth
	KindMalformed
	KindUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindBadRequest:
		return "bad_request"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	case KindUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Transient reports whether a retry can reasonably succeed.
func (k Kind) Transient() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// Failure is a classified service error.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Transient() bool { return f.Kind.Transient() }

func (f *Failure) Is(target error) bool {
	return target == ErrServiceUnreachable && f.Kind == KindUnreachable
}

// KindOf returns the failure kind of err, classifying it if needed.
func KindOf(err error) Kind {
	if f := Classify(err); f != nil {
		return f.Kind
	}
	return KindUnknown
}

// Classify maps a provider error onto a Failure. Structured status codes
// win; message markers are only consulted when no code is available.
// It returns nil for a nil error.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	kind := classifyKind(err)
	return &Failure{Kind: kind, Err: err}
}

func classifyKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	if code := statusCode(err); code != 0 {
		if kind, ok := kindFromStatus(code); ok {
			return kind
		}
	}
	if kind, ok := kindFromNetwork(err); ok {
		return kind
	}
	return kindFromMessage(err.Error())
}

func statusCode(err error) int {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return openaiErr.HTTPStatusCode
	}
	var openaiReqErr *openai.RequestError
	if errors.As(err, &openaiReqErr) {
		return openaiReqErr.HTTPStatusCode
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return genaiErr.Code
	}
	var genaiErrPtr *genai.APIError
	if errors.As(err, &genaiErrPtr) && genaiErrPtr != nil {
		return genaiErrPtr.Code
	}
	return 0
}

func kindFromStatus(code int) (Kind, bool) {
	switch {
	case code == 429:
		return KindRateLimited, true
	case code == 408 || code == 504:
		return KindTimeout, true
	case code >= 500:
		// 529 is the anthropic "overloaded" status.
		return KindUnavailable, true
	case code == 401 || code == 403:
		return KindAuth, true
	case code >= 400:
		return KindBadRequest, true
	default:
		return KindUnknown, false
	}
}

func kindFromNetwork(err error) (Kind, bool) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout || dnsErr.IsTemporary {
			return KindUnavailable, true
		}
		return KindUnreachable, true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindUnreachable, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindUnreachable, true
	}
	return KindUnknown, false
}

var messageMarkers = []struct {
	kind    Kind
	markers []string
}{
	{KindRateLimited, []string{"429", "rate limit", "ratelimit", "quota exceeded", "resource exhausted", "resource_exhausted", "too many requests"}},
	{KindTimeout, []string{"504", "deadline", "timeout", "timed out"}},
	{KindUnavailable, []string{"503", "unavailable", "overloaded", "connection reset", "unexpected eof"}},
	{KindAuth, []string{"401", "403", "unauthorized", "permission denied", "invalid api key"}},
	{KindBadRequest, []string{"400", "bad request", "invalid argument", "invalid_argument"}},
}

func kindFromMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	for _, group := range messageMarkers {
		for _, marker := range group.markers {
			if strings.Contains(msg, marker) {
				return group.kind
			}
		}
	}
	return KindUnknown
}

// CheckReplyText reports a rate-limit notice that arrived as an ordinary
// reply instead of an error status. Only a reply carrying none of the
// expected fields counts as a notice; a classification that mentions rate
// limits in its own text is a normal answer.
func CheckReplyText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &Failure{Kind: KindMalformed, Err: errors.New("empty reply")}
	}
	if len(ParseReply(text).Missing()) < len(ExpectedFields) {
		return nil
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota exceeded") {
		return &Failure{Kind: KindRateLimited, Err: errors.New("reply text reports a rate limit")}
	}
	return nil
}
