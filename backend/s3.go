package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"hangar51.dev/h51/capability"
)

// S3Schema declares the s3 backend's settings.
var S3Schema = capability.Schema{
	{Name: "access_key", Kind: capability.String, Required: true},
	{Name: "secret_key", Kind: capability.String, Required: true},
	{Name: "bucket", Kind: capability.String, Required: true},
	{Name: "region", Kind: capability.String, Default: "us-east-1"},
	{Name: "endpoint", Kind: capability.String},
}

// cacheControl is set on every stored blob. Keys never change content
// (versioned variations get fresh keys) so blobs cache for a year.
const cacheControl = "max-age=31536000"

// S3 stores blobs in an S3 bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 builds an S3 backend from validated settings. A non-empty endpoint
// setting targets S3-compatible stores with path-style addressing.
func NewS3(settings capability.Settings) (Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(settings.String("region")),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			settings.String("access_key"),
			settings.String("secret_key"),
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := settings.String("endpoint"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: settings.String("bucket")}, nil
}

// Store implements Backend.
func (b *S3) Store(ctx context.Context, key string, r io.Reader) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(b.bucket),
		Key:          aws.String(key),
		Body:         r,
		CacheControl: aws.String(cacheControl),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Retrieve implements Backend.
func (b *S3) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, nil
}

// Delete implements Backend. S3 object deletion is already idempotent.
func (b *S3) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}
