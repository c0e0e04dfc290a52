package model

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

func TestClassifyException(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"modelStream", &types.ModelStreamErrorException{Message: aws.String("boom")}, ErrModelStream},
		{"internal", &types.InternalServerException{Message: aws.String("oops")}, ErrInternalServer},
		{"validation", &types.ValidationException{Message: aws.String("bad")}, ErrValidation},
		{"throttling", &types.ThrottlingException{Message: aws.String("slow down")}, ErrThrottling},
		{"accessDenied", &types.AccessDeniedException{Message: aws.String("no")}, ErrAccessDenied},
		{"plain", errors.New("broken pipe"), ErrModelStream},
	}
	for _, tt := range tests {
		variant, details, ok := ClassifyException(tt.err)
		if !ok {
			t.Errorf("%s: ok = false", tt.name)
			continue
		}
		if variant != tt.want {
			t.Errorf("%s: variant = %q, want %q", tt.name, variant, tt.want)
		}
		if details["message"] == "" {
			t.Errorf("%s: empty message in details", tt.name)
		}
	}

	if _, _, ok := ClassifyException(nil); ok {
		t.Error("nil error classified as exception")
	}
}

func TestClassifyException_WrappedError(t *testing.T) {
	wrapped := errors.Join(errors.New("stream failed"),
		&types.ThrottlingException{Message: aws.String("rate exceeded")})
	variant, details, ok := ClassifyException(wrapped)
	if !ok || variant != ErrThrottling {
		t.Fatalf("variant = %q ok=%v, want throttlingException", variant, ok)
	}
	if details["message"] != "rate exceeded" {
		t.Errorf("message = %v", details["message"])
	}
}
