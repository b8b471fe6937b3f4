// Package s3store keeps repository baselines and mined results as encoded
// objects in an S3 bucket.
//
// Layout under the configured prefix:
//
//	<identity>/state.bin
//	<identity>/commits/<batch>.bin
//	<identity>/lines/<batch>.bin
//	<identity>/stats/<batch>.bin
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/Sumatoshi-tech/lineage/pkg/remote"
)

// ErrNoBucket is returned when no bucket is configured.
var ErrNoBucket = errors.New("s3 bucket is required")

// Client is the subset of the S3 API the store uses.
type Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config selects the bucket and credentials.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Store implements remote.Store on S3.
type Store struct {
	client   Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	codec    *remote.Codec
}

// New creates a store over an existing client.
func New(client Client, bucket, prefix string, codec *remote.Codec) (*Store, error) {
	if bucket == "" {
		return nil, ErrNoBucket
	}

	if codec == nil {
		codec = remote.NewCodec(nil, nil)
	}

	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		codec:    codec,
	}, nil
}

// Open builds an S3 client from cfg and the default AWS credential chain.
// Static keys and a custom endpoint override the chain when set.
func Open(ctx context.Context, cfg Config, codec *remote.Codec) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}

	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return New(client, cfg.Bucket, cfg.Prefix, codec)
}

// Close implements remote.Store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) key(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

// FetchState implements remote.Baseline.
func (s *Store) FetchState(ctx context.Context, identity string) (*remote.State, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(identity, "state.bin")),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}

		return nil, fmt.Errorf("get state %s: %w", identity, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", identity, err)
	}

	var state remote.State
	if err := s.codec.Decode(data, &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", identity, err)
	}

	return &state, nil
}

// PostState implements remote.Baseline.
func (s *Store) PostState(ctx context.Context, state *remote.State) error {
	return s.put(ctx, s.key(state.Identity, "state.bin"), state)
}

// PostCommits implements remote.Sink.
func (s *Store) PostCommits(ctx context.Context, identity string, commits []remote.Commit) error {
	return s.put(ctx, s.batchKey(identity, "commits"), commits)
}

// PostLines implements remote.Sink.
func (s *Store) PostLines(ctx context.Context, identity string, lines []remote.Line) error {
	return s.put(ctx, s.batchKey(identity, "lines"), lines)
}

// PostStats implements remote.Sink.
func (s *Store) PostStats(ctx context.Context, identity string, stats []remote.CommitStats) error {
	return s.put(ctx, s.batchKey(identity, "stats"), stats)
}

func (s *Store) batchKey(identity, kind string) string {
	return s.key(identity, kind, uuid.NewString()+".bin")
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	data, err := s.codec.Encode(v)
	if err != nil {
		return err
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	return nil
}

var _ remote.Store = (*Store)(nil)
