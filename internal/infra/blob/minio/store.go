// Package minio implements the blob Store with the MinIO client, for
// self-hosted object stores that do not need the full AWS configuration chain.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"coffeeledger/internal/blob/core"

	mc "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultBucket is used when Config.Bucket is empty.
const DefaultBucket = "coffeeledger-events"

// Config holds connection parameters.
type Config struct {
	Endpoint     string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey    string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket       string `yaml:"bucket" env:"BUCKET"`
	Region       string `yaml:"region" env:"REGION"`
	UseSSL       bool   `yaml:"use_ssl" env:"USE_SSL"`
	CreateBucket bool   `yaml:"create_bucket" env:"CREATE_BUCKET"`
}

// Store implements core.Store on a MinIO bucket.
type Store struct {
	client *mc.Client
	bucket string
	region string
}

// New builds a client. No request is sent until the first operation.
func New(cfg Config) (*Store, error) {
	return newWithTransport(cfg, nil)
}

func newWithTransport(cfg Config, transport http.RoundTripper) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = DefaultBucket
	}
	client, err := mc.New(endpoint, &mc.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Store{client: client, bucket: bucket, region: cfg.Region}, nil
}

// Driver returns the blob driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverMinIO }

// Bucket returns the target bucket name.
func (s *Store) Bucket() string { return s.bucket }

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, mc.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads a new object after checking the key with StatObject. The body is
// buffered so the upload is a single PUT with a known size.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if strings.TrimSpace(key) == "" {
		return core.Info{}, fmt.Errorf("empty key")
	}
	_, err := s.client.StatObject(ctx, s.bucket, key, mc.StatObjectOptions{})
	switch {
	case err == nil:
		return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, key)
	case !isNotFound(err):
		return core.Info{}, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return core.Info{}, fmt.Errorf("read body: %w", err)
	}
	putOpts := mc.PutObjectOptions{ContentType: opts.ContentType}
	if len(opts.Metadata) > 0 {
		putOpts.UserMetadata = opts.Metadata
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, &buf, int64(buf.Len()), putOpts); err != nil {
		return core.Info{}, err
	}
	return s.Head(ctx, key)
}

// Get streams the object body. The caller closes the reader.
func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, mc.GetObjectOptions{})
	if err != nil {
		return core.Info{}, nil, mapError(key, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return core.Info{}, nil, mapError(key, err)
	}
	return infoFrom(stat), obj, nil
}

// Head returns object metadata.
func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, mc.StatObjectOptions{})
	if err != nil {
		return core.Info{}, mapError(key, err)
	}
	return infoFrom(stat), nil
}

// List walks every object under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	for obj := range s.client.ListObjects(ctx, s.bucket, mc.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		infos = append(infos, infoFrom(obj))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func mapError(key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s: %v", core.ErrNotFound, key, err)
	}
	return err
}

func isNotFound(err error) bool {
	var resp mc.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// infoFrom lower-cases user metadata keys, which MinIO returns canonicalized.
func infoFrom(obj mc.ObjectInfo) core.Info {
	var md map[string]string
	if len(obj.UserMetadata) > 0 {
		md = make(map[string]string, len(obj.UserMetadata))
		for k, v := range obj.UserMetadata {
			md[strings.ToLower(k)] = v
		}
	}
	return core.Info{
		Key:          obj.Key,
		Size:         obj.Size,
		ContentType:  obj.ContentType,
		ETag:         strings.Trim(obj.ETag, "\""),
		Metadata:     md,
		LastModified: obj.LastModified.UTC(),
	}
}
