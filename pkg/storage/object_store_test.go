package storage

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestNotFoundTranslation(t *testing.T) {
	if err := notFound(minio.ErrorResponse{Code: "NoSuchKey"}); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("NoSuchKey: got %v", err)
	}
	if err := notFound(minio.ErrorResponse{StatusCode: http.StatusNotFound}); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("404: got %v", err)
	}
	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	if err := notFound(denied); errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("access denied must not look like a missing object")
	}
}

func TestNewMinioStoreRequiresBucket(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), MinioConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}
