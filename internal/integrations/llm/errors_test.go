package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"triagebot/internal/retry"
)

func TestClassifyUsesStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "openai 429", err: &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}, want: KindRateLimited},
		{name: "openai 401", err: &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}, want: KindAuth},
		{name: "openai 400 wins over timeout text", err: &openai.APIError{HTTPStatusCode: 400, Message: "timeout must be positive"}, want: KindBadRequest},
		{name: "openai request 502", err: &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, want: KindUnavailable},
		{name: "gemini 503", err: fmt.Errorf("gemini api error: %w", genai.APIError{Code: 503, Message: "model overloaded"}), want: KindUnavailable},
		{name: "gemini 504", err: genai.APIError{Code: 504, Message: "deadline"}, want: KindTimeout},
		{name: "gemini 403", err: genai.APIError{Code: 403, Message: "denied"}, want: KindAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
			assert.NotNil(t, got.Err)
		})
	}
}

func TestClassifyNetworkErrors(t *testing.T) {
	deadline := Classify(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, deadline.Kind)
	assert.True(t, retry.IsTransient(deadline))

	dns := Classify(&net.DNSError{Err: "no such host", Name: "llm.invalid", IsNotFound: true})
	assert.Equal(t, KindUnreachable, dns.Kind)
	assert.ErrorIs(t, dns, ErrServiceUnreachable)

	refused := Classify(&net.OpError{Op: "dial", Net: "tcp", Err: &net.AddrError{Err: "refused"}})
	assert.Equal(t, KindUnreachable, refused.Kind)

	errno := Classify(fmt.Errorf("post: %w", syscall.ECONNREFUSED))
	assert.Equal(t, KindUnreachable, errno.Kind)
	assert.False(t, errno.Transient())
}

func TestClassifyFallsBackToMessageMarkers(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"googleapi: Error 429: Resource exhausted", KindRateLimited},
		{"Quota exceeded for requests per minute", KindRateLimited},
		{"upstream returned 504", KindTimeout},
		{"request timed out", KindTimeout},
		{"503 Service Unavailable", KindUnavailable},
		{"something odd happened", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(errors.New(tt.msg)))
		})
	}
}

func TestClassifyKeepsExistingFailure(t *testing.T) {
	original := &Failure{Kind: KindMalformed, Err: errors.New("empty")}
	assert.Same(t, original, Classify(fmt.Errorf("wrapped: %w", original)))
	assert.Nil(t, Classify(nil))
}

func TestKindTransience(t *testing.T) {
	for _, k := range []Kind{KindRateLimited, KindTimeout, KindUnavailable} {
		assert.True(t, k.Transient(), k.String())
	}
	for _, k := range []Kind{KindBadRequest, KindAuth, KindMalformed, KindUnreachable, KindUnknown} {
		assert.False(t, k.Transient(), k.String())
	}
}

func TestCheckReplyText(t *testing.T) {
	err := CheckReplyText("Sorry, you have hit a Rate Limit. Try later.")
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))

	err = CheckReplyText("   ")
	assert.Equal(t, KindMalformed, KindOf(err))

	assert.NoError(t, CheckReplyText("- Summary: fine"))
	assert.NoError(t, CheckReplyText("- Summary: Partner API hits its rate limit\n- Solution: Raise the quota"))
}
