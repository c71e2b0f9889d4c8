// Package archive keeps operator-facing records, such as fault reports, in a
// blob store that outlives the indexer process.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 4 << 20
	listPageSize      int32 = 1000
)

var (
	ErrInvalidConfig = errors.New("archive: invalid config")
	ErrInvalidKey    = errors.New("archive: invalid key")
	ErrNotFound      = errors.New("archive: not found")
	ErrTooLarge      = errors.New("archive: object too large")
)

type Store interface {
	Put(ctx context.Context, key string, payload []byte, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	LastModified time.Time
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 4 MiB when <= 0.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

func New(cfg Config) (Store, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// keyspace maps caller keys onto stored keys under an optional prefix.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	return keyspace{prefix: strings.Trim(strings.TrimSpace(prefix), "/")}
}

// resolve validates key and returns it relative to the keyspace and as stored.
func (k keyspace) resolve(key string) (rel, stored string, err error) {
	rel = strings.TrimPrefix(key, "/")
	switch {
	case rel == "":
		return "", "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	case rel != strings.TrimSpace(rel):
		return "", "", fmt.Errorf("%w: %q is padded with whitespace", ErrInvalidKey, key)
	case strings.IndexFunc(rel, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0:
		return "", "", fmt.Errorf("%w: %q has control characters", ErrInvalidKey, key)
	}
	return rel, k.stored(rel), nil
}

func (k keyspace) stored(rel string) string {
	if k.prefix == "" {
		return rel
	}
	return k.prefix + "/" + rel
}

func (k keyspace) relative(stored string) string {
	if k.prefix == "" {
		return stored
	}
	return strings.TrimPrefix(stored, k.prefix+"/")
}

type memoryStore struct {
	keys keyspace

	mu      sync.RWMutex
	objects map[string]Object
}

func newMemoryStore(prefix string) *memoryStore {
	return &memoryStore{keys: newKeyspace(prefix), objects: make(map[string]Object)}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, contentType string) error {
	rel, stored, err := m.keys.resolve(key)
	if err != nil {
		return err
	}
	obj := Object{
		Key:          rel,
		Data:         bytes.Clone(payload),
		ContentType:  strings.TrimSpace(contentType),
		LastModified: time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[stored] = obj
	return nil
}

func (m *memoryStore) lookup(key string) (Object, bool, error) {
	_, stored, err := m.keys.resolve(key)
	if err != nil {
		return Object{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[stored]
	return obj, ok, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	obj, ok, err := m.lookup(key)
	switch {
	case err != nil:
		return Object{}, err
	case !ok:
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj.Data = bytes.Clone(obj.Data)
	return obj, nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok, err := m.lookup(key)
	return ok, err
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, obj := range m.objects {
		if strings.HasPrefix(obj.Key, prefix) {
			out = append(out, obj.Key)
		}
	}
	sort.Strings(out)
	return out, nil
}

type s3Store struct {
	client  S3Client
	bucket  *string
	keys    keyspace
	maxRead int64
}

func newS3Store(cfg Config) (*s3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	switch {
	case bucket == "":
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	case cfg.S3Client == nil:
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	s := &s3Store{
		client:  cfg.S3Client,
		bucket:  aws.String(bucket),
		keys:    newKeyspace(cfg.Prefix),
		maxRead: cfg.MaxGetSize,
	}
	if s.maxRead <= 0 {
		s.maxRead = defaultMaxGetSize
	}
	return s, nil
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, contentType string) error {
	rel, stored, err := s.keys.resolve(key)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{Bucket: s.bucket, Key: aws.String(stored), Body: bytes.NewReader(payload)}
	if ct := strings.TrimSpace(contentType); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("archive/s3: put %q: %w", rel, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	rel, stored, err := s.keys.resolve(key)
	if err != nil {
		return Object{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: s.bucket, Key: aws.String(stored)})
	if isNotFound(err) {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return Object{}, fmt.Errorf("archive/s3: get %q: %w", rel, err)
	}
	defer out.Body.Close()

	// Read one byte past the bound so an oversized object is detected, not truncated.
	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxRead+1))
	if err != nil {
		return Object{}, fmt.Errorf("archive/s3: read %q: %w", rel, err)
	}
	if int64(len(data)) > s.maxRead {
		return Object{}, fmt.Errorf("%w: %q is over %d bytes", ErrTooLarge, rel, s.maxRead)
	}
	return Object{
		Key:          rel,
		Data:         data,
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	rel, stored, err := s.keys.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: s.bucket, Key: aws.String(stored)})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("archive/s3: head %q: %w", rel, err)
	}
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	full := s.keys.stored(prefix)
	if prefix == "" && s.keys.prefix != "" {
		full += "/"
	}

	var out []string
	in := &s3.ListObjectsV2Input{Bucket: s.bucket, Prefix: aws.String(full), MaxKeys: aws.Int32(listPageSize)}
	for {
		page, err := s.client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("archive/s3: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, s.keys.relative(aws.ToString(obj.Key)))
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		in.ContinuationToken = page.NextContinuationToken
	}
	sort.Strings(out)
	return out, nil
}

// isNotFound matches the codes S3 uses for a missing object: NoSuchKey from
// GetObject and a bare 404 from HeadObject.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if err == nil || !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "NoSuchKey" || code == "NotFound" || code == "404"
}
