package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		endpoint string
		ssl      bool
		want     string
	}{
		{"", false, ""},
		{"minio:9000", false, "http://minio:9000"},
		{"minio:9000", true, "https://minio:9000"},
		{"https://s3.example.com", false, "https://s3.example.com"},
	}
	for _, tt := range tests {
		if got := endpointURL(tt.endpoint, tt.ssl); got != tt.want {
			t.Errorf("endpointURL(%q, %v) = %q, want %q", tt.endpoint, tt.ssl, got, tt.want)
		}
	}
}

func TestObjectKey(t *testing.T) {
	b := &S3Backend{}
	if got := b.objectKey("u1/a.txt"); got != "u1/a.txt" {
		t.Errorf("got %q", got)
	}
	b.prefix = "fileflow"
	if got := b.objectKey("u1/a.txt"); got != "fileflow/u1/a.txt" {
		t.Errorf("got %q", got)
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(fmt.Errorf("wrapped: %w", &types.NoSuchKey{})) {
		t.Error("NoSuchKey should be not found")
	}
	if !isNotFound(&types.NotFound{}) {
		t.Error("NotFound should be not found")
	}
	if isNotFound(errors.New("access denied")) {
		t.Error("other errors are not not-found")
	}
}

func TestNewBackendRequiresBucket(t *testing.T) {
	_, err := NewBackendFromJSON(context.Background(), json.RawMessage(`{"endpoint":"localhost:9000"}`))
	if err == nil {
		t.Fatal("expected error without bucket")
	}
	if _, err := NewBackendFromJSON(context.Background(), json.RawMessage(`{`)); err == nil {
		t.Fatal("expected parse error")
	}
}
