package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	values map[string]*secretsmanager.GetSecretValueOutput
	err    error
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	out, ok := c.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "COMPACT_INDEXER_TEST_DSN"
	t.Setenv(key, "  postgres://indexer@db/compact  ")

	p, err := New(context.Background(), DriverEnv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "postgres://indexer@db/compact" {
		t.Fatalf("value: got %q", got)
	}
	if _, err := p.Get(context.Background(), "COMPACT_INDEXER_MISSING_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Get(context.Background(), " "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeAWSClient{values: map[string]*secretsmanager.GetSecretValueOutput{
		"compact/dsn":   {SecretString: aws.String(" postgres://indexer@db/compact ")},
		"compact/rds":   {SecretString: aws.String(`{"username":"indexer","dsn":"postgres://rds/compact","port":5432}`)},
		"compact/bin":   {SecretBinary: []byte("binary-value")},
		"compact/empty": {},
	}})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	ctx := context.Background()

	cases := []struct {
		key     string
		want    string
		wantErr error
	}{
		{key: "compact/dsn", want: "postgres://indexer@db/compact"},
		{key: "compact/rds#dsn", want: "postgres://rds/compact"},
		{key: "compact/bin", want: "binary-value"},
		{key: "compact/rds#port", wantErr: ErrNotFound},
		{key: "compact/rds#missing", wantErr: ErrNotFound},
		{key: "compact/empty", wantErr: ErrNotFound},
		{key: "#dsn", wantErr: ErrInvalidConfig},
	}
	for _, tc := range cases {
		got, err := p.Get(ctx, tc.key)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Get(%q): got err %v want %v", tc.key, err, tc.wantErr)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("Get(%q): got %q err=%v want %q", tc.key, got, err, tc.want)
		}
	}

	if _, err := p.Get(ctx, "compact/dsn#x"); err == nil {
		t.Fatalf("expected error selecting a field of a non-JSON secret")
	}
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), "vault"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewAWSWithClient(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
