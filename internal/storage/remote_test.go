package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

func TestIsS3NotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"typed not found", &types.NotFound{}, true},
		{"typed no such key", fmt.Errorf("head: %w", &types.NoSuchKey{}), true},
		{"generic api 404", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		if got := isS3NotFound(tt.err); got != tt.want {
			t.Errorf("%s: isS3NotFound = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsAzureNotFoundError(t *testing.T) {
	notFound := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	forbidden := &azcore.ResponseError{StatusCode: http.StatusForbidden}

	if !isAzureNotFoundError(fmt.Errorf("get properties: %w", notFound)) {
		t.Error("wrapped 404 should be not found")
	}
	if isAzureNotFoundError(forbidden) {
		t.Error("403 is not a not-found error")
	}
	if isAzureNotFoundError(errors.New("BlobNotFound")) {
		t.Error("untyped errors are not treated as not found")
	}
}

func TestContentTypeFor(t *testing.T) {
	if got := contentTypeFor("dumps/index.parquet"); got != parquetContentType {
		t.Errorf("contentTypeFor(.parquet) = %s", got)
	}
	if got := contentTypeFor("dumps/index.bin"); got != "application/octet-stream" {
		t.Errorf("contentTypeFor(.bin) = %s", got)
	}
}

func TestRemoteLocations(t *testing.T) {
	s3b := &S3Backend{bucket: "dumps"}
	if got := Location(s3b, "/2026/index.parquet"); got != "s3://dumps/2026/index.parquet" {
		t.Errorf("S3 location = %s", got)
	}

	az := &AzureBlobBackend{containerName: "dumps"}
	if got := Location(az, "index.parquet"); got != "azure://dumps/index.parquet" {
		t.Errorf("Azure location = %s", got)
	}
}

func TestNewS3Backend_RequiresBucket(t *testing.T) {
	if _, err := NewS3Backend(context.Background(), &S3Config{}, zerolog.Nop()); err == nil {
		t.Error("expected error without bucket")
	}
}

func TestNewAzureBlobBackend_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := NewAzureBlobBackend(ctx, &AzureBlobConfig{}, zerolog.Nop()); err == nil {
		t.Error("expected error without container")
	}
	if _, err := NewAzureBlobBackend(ctx, &AzureBlobConfig{ContainerName: "dumps"}, zerolog.Nop()); err == nil {
		t.Error("expected error without any authentication method")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		useSSL   bool
		want     string
	}{
		{"", true, ""},
		{"localhost:9000", false, "http://localhost:9000"},
		{"minio.internal:9000", true, "https://minio.internal:9000"},
		{"http://localhost:9000", true, "http://localhost:9000"},
		{"https://s3.example.com", false, "https://s3.example.com"},
	}

	for _, tt := range tests {
		if got := normalizeEndpoint(tt.endpoint, tt.useSSL); got != tt.want {
			t.Errorf("normalizeEndpoint(%q, %v) = %q, want %q", tt.endpoint, tt.useSSL, got, tt.want)
		}
	}
}

func TestStaticS3Credentials(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")

	if staticS3Credentials(&S3Config{AccessKey: "only-key"}) != nil {
		t.Error("a key without a secret should fall back to the default chain")
	}

	creds, err := staticS3Credentials(&S3Config{AccessKey: "AK", SecretKey: "SK"}).Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if creds.AccessKeyID != "AK" || creds.SecretAccessKey != "SK" {
		t.Errorf("unexpected credentials %+v", creds)
	}

	t.Setenv("AWS_ACCESS_KEY_ID", "ENVKEY")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "ENVSECRET")
	creds, err = staticS3Credentials(&S3Config{}).Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if creds.AccessKeyID != "ENVKEY" {
		t.Errorf("expected environment credentials, got %+v", creds)
	}
}

// fakeS3 answers HeadBucket for one bucket and rejects everything else
func fakeS3(t *testing.T, bucket string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		if r.Method == http.MethodHead && strings.Trim(r.URL.Path, "/") == bucket {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	return srv, &heads
}

func TestNewS3Backend_BucketCheck(t *testing.T) {
	srv, heads := fakeS3(t, "dumps")
	cfg := func(bucket string) *S3Config {
		return &S3Config{
			Bucket:    bucket,
			Region:    "us-east-1",
			Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
			AccessKey: "test",
			SecretKey: "test",
			PathStyle: true,
		}
	}

	backend, err := NewS3Backend(context.Background(), cfg("dumps"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewS3Backend: %v", err)
	}
	if backend.GetBucket() != "dumps" || backend.Type() != "s3" {
		t.Errorf("unexpected backend %s/%s", backend.Type(), backend.GetBucket())
	}

	if _, err := NewS3Backend(context.Background(), cfg("forbidden"), zerolog.Nop()); err == nil {
		t.Error("expected error for an inaccessible bucket")
	}
	if heads.Load() < 2 {
		t.Errorf("expected HeadBucket for both buckets, got %d HEAD requests", heads.Load())
	}
}

func TestAzureServiceURL(t *testing.T) {
	cfg := &AzureBlobConfig{AccountName: "wikidumps"}
	if got := cfg.serviceURL(); got != "https://wikidumps.blob.core.windows.net" {
		t.Errorf("serviceURL = %s", got)
	}

	cfg.Endpoint = "http://127.0.0.1:10000/devstoreaccount1/"
	if got := cfg.serviceURL(); got != "http://127.0.0.1:10000/devstoreaccount1" {
		t.Errorf("serviceURL with endpoint = %s", got)
	}
}

func TestNewAzureClient_Methods(t *testing.T) {
	tests := []struct {
		name string
		cfg  AzureBlobConfig
		want string
	}{
		{"sas", AzureBlobConfig{AccountName: "acct", SASToken: "?sv=2024&sig=abc"}, "sas_token"},
		{"shared key", AzureBlobConfig{AccountName: "acct", AccountKey: "a2V5"}, "shared_key"},
	}

	for _, tt := range tests {
		_, method, err := newAzureClient(&tt.cfg)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if method != tt.want {
			t.Errorf("%s: method = %s, want %s", tt.name, method, tt.want)
		}
	}

	if _, _, err := newAzureClient(&AzureBlobConfig{AccountName: "acct"}); !errors.Is(err, errNoAzureAuth) {
		t.Errorf("expected errNoAzureAuth, got %v", err)
	}
}
