package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/resilience"
)

const (
	s3MetaExpiresAt = "expires-at"
	s3MetaKey       = "storage-key"
)

// S3Client is the subset of the S3 API the backend uses. *s3.Client
// satisfies it.
type S3Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures an S3 backend.
type S3Config struct {
	// Bucket is the target bucket. Required.
	Bucket string `yaml:"bucket" mapstructure:"bucket"`

	// Prefix is prepended to every object key.
	// Default: "" (bucket root)
	Prefix string `yaml:"prefix" mapstructure:"prefix"`

	// Region overrides the region from the AWS default chain.
	Region string `yaml:"region" mapstructure:"region"`

	// Endpoint points the client at an S3-compatible service and enables
	// path-style addressing.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`

	// Client replaces the client built on Connect. Used by tests.
	Client S3Client `yaml:"-" mapstructure:"-"`

	// Breaker guards every S3 call when set.
	Breaker *resilience.CircuitBreaker `yaml:"-" mapstructure:"-"`

	// Logger receives diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger `yaml:"-" mapstructure:"-"`
}

// S3 stores each key as a JSON object at
// <prefix>/<content-type>/<escaped-key>.json. Expiry and the original key
// travel as object metadata.
type S3 struct {
	cfg    S3Config
	client S3Client
	now    func() time.Time
}

// NewS3 creates an S3-backed store. The client is built on Connect unless
// cfg.Client is set.
func NewS3(cfg S3Config) *S3 {
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3{cfg: cfg, client: cfg.Client, now: time.Now}
}

// Connect builds the client from the AWS default credential chain and
// verifies the bucket is reachable.
func (s *S3) Connect(ctx context.Context) error {
	if s.cfg.Bucket == "" {
		return fmt.Errorf("storage: s3 bucket is required")
	}
	if s.client == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if s.cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(s.cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("storage: load aws config: %w", err)
		}
		endpoint := s.cfg.Endpoint
		s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
	}
	return s.HealthCheck(ctx)
}

// Disconnect releases nothing; the SDK client has no persistent state.
func (s *S3) Disconnect(_ context.Context) error { return nil }

func (s *S3) guard(ctx context.Context, op func(context.Context) error) error {
	if s.client == nil {
		return ErrNotConnected
	}
	if s.cfg.Breaker == nil {
		return op(ctx)
	}
	return s.cfg.Breaker.Execute(ctx, op)
}

func (s *S3) objectKey(key string) string {
	return path.Join(s.cfg.Prefix, relPath(key)+dataSuffix)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func parseS3Expiry(meta map[string]string) *time.Time {
	raw, ok := meta[s3MetaExpiresAt]
	if !ok || raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}

// fetch returns the raw body and metadata, deleting the object if expired.
func (s *S3) fetch(ctx context.Context, key string) ([]byte, map[string]string, bool, error) {
	var (
		body []byte
		meta map[string]string
		miss bool
	)
	objKey := s.objectKey(key)
	err := s.guard(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objKey),
		})
		if isNotFound(err) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		defer out.Body.Close()
		meta = out.Metadata
		body, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, nil, false, fmt.Errorf("storage: s3 get %s: %w", key, err)
	}
	if miss {
		return nil, nil, false, nil
	}
	if expired(parseS3Expiry(meta), s.now()) {
		if err := s.remove(ctx, objKey); err != nil {
			return nil, nil, false, err
		}
		return nil, nil, false, nil
	}
	return body, meta, true, nil
}

func (s *S3) remove(ctx context.Context, objKey string) error {
	err := s.guard(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objKey),
		})
		if isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: s3 delete %s: %w", objKey, err)
	}
	return nil
}

func (s *S3) put(ctx context.Context, key string, data []byte, exp *time.Time) error {
	meta := map[string]string{s3MetaKey: url.QueryEscape(key)}
	if exp != nil {
		meta[s3MetaExpiresAt] = exp.UTC().Format(time.RFC3339Nano)
	}
	objKey := s.objectKey(key)
	err := s.guard(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(objKey),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
			Metadata:    meta,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: s3 put %s: %w", key, err)
	}
	return nil
}

// Get returns the decoded value for key.
func (s *S3) Get(ctx context.Context, key string) (any, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	data, _, ok, err := s.fetch(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := decodeValue(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value under key.
func (s *S3) Set(ctx context.Context, key string, value any, opts ...SetOption) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	data, err := encodeValue(value)
	if err != nil {
		return false, err
	}
	if err := s.put(ctx, key, data, applySetOptions(opts).expiresAt(s.now())); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key. Idempotent.
func (s *S3) Delete(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if err := s.remove(ctx, s.objectKey(key)); err != nil {
		return false, err
	}
	return ok, nil
}

// Exists reports whether key holds an unexpired value. It issues a HEAD
// request rather than downloading the body.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	var (
		meta map[string]string
		miss bool
	)
	objKey := s.objectKey(key)
	err := s.guard(ctx, func(ctx context.Context) error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objKey),
		})
		if isNotFound(err) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		meta = out.Metadata
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: s3 head %s: %w", key, err)
	}
	if miss {
		return false, nil
	}
	if expired(parseS3Expiry(meta), s.now()) {
		return false, s.remove(ctx, objKey)
	}
	return true, nil
}

// Increment adds amount to the counter at key, keeping any existing TTL.
// S3 has no compare-and-swap, so concurrent increments may lose updates.
func (s *S3) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	data, meta, _, err := s.fetch(ctx, key)
	if err != nil {
		return 0, err
	}
	next := counterValue(data) + amount
	enc, err := encodeValue(next)
	if err != nil {
		return 0, err
	}
	if err := s.put(ctx, key, enc, parseS3Expiry(meta)); err != nil {
		return 0, err
	}
	return next, nil
}

// SetHash stores mapping under key.
func (s *S3) SetHash(ctx context.Context, key string, mapping map[string]any, opts ...SetOption) (bool, error) {
	if mapping == nil {
		mapping = map[string]any{}
	}
	return s.Set(ctx, key, mapping, opts...)
}

// GetHash returns the map stored at key.
func (s *S3) GetHash(ctx context.Context, key string) (map[string]any, bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	h, ok := asHash(v)
	return h, ok, nil
}

// ClearPattern deletes every key matching pattern. The listing is narrowed
// to one content-type directory when the pattern's literal prefix names it.
func (s *S3) ClearPattern(ctx context.Context, pattern string) (int, error) {
	re, err := compileGlob(pattern)
	if err != nil {
		return 0, err
	}
	listPrefix := s.cfg.Prefix
	if lit := literalPrefix(pattern); strings.Contains(lit, ":") {
		listPrefix = path.Join(listPrefix, contentType(lit))
	}
	if listPrefix != "" {
		listPrefix += "/"
	}

	n := 0
	var token *string
	for {
		var out *s3.ListObjectsV2Output
		err := s.guard(ctx, func(ctx context.Context) error {
			var err error
			out, err = s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.cfg.Bucket),
				Prefix:            aws.String(listPrefix),
				ContinuationToken: token,
			})
			return err
		})
		if err != nil {
			return n, fmt.Errorf("storage: s3 list: %w", err)
		}
		for _, obj := range out.Contents {
			objKey := aws.ToString(obj.Key)
			key, err := s.keyFor(ctx, objKey)
			if err != nil {
				s.cfg.Logger.Warn(ctx, "skipping unreadable object",
					observe.F("object", objKey), observe.Err(err))
				continue
			}
			if key == "" || !re.MatchString(key) {
				continue
			}
			if err := s.remove(ctx, objKey); err != nil {
				return n, err
			}
			n++
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return n, nil
		}
		token = out.NextContinuationToken
	}
}

// keyFor recovers the storage key of an object. Hashed names need a HEAD
// request to read the key from metadata.
func (s *S3) keyFor(ctx context.Context, objKey string) (string, error) {
	name := path.Base(objKey)
	if !strings.HasSuffix(name, dataSuffix) {
		return "", nil
	}
	name = strings.TrimSuffix(name, dataSuffix)
	if key, ok := unescapeName(name); ok {
		return key, nil
	}
	var meta map[string]string
	err := s.guard(ctx, func(ctx context.Context) error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objKey),
		})
		if err != nil {
			return err
		}
		meta = out.Metadata
		return nil
	})
	if err != nil {
		return "", err
	}
	return url.QueryUnescape(meta[s3MetaKey])
}

// HealthCheck verifies the bucket is reachable.
func (s *S3) HealthCheck(ctx context.Context) error {
	err := s.guard(ctx, func(ctx context.Context) error {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: s3 bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

var _ Storage = (*S3)(nil)
