package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/casetrace/backend/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxObjectBytes caps how much OCR text is read from a single object.
const maxObjectBytes = 32 << 20

func NewS3Client(ctx context.Context) (*s3.Client, error) {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)),
	}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client, nil
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads attachment OCR text kept as objects in one bucket.
type S3Fetcher struct {
	client objectGetter
	bucket string
}

// NewS3Fetcher uses AWS_BUCKET when bucket is empty.
func NewS3Fetcher(client *s3.Client, bucket string) *S3Fetcher {
	if bucket == "" {
		bucket = util.GetEnv("AWS_BUCKET")
	}
	return &S3Fetcher{client: client, bucket: bucket}
}

func getFile(ctx context.Context, client objectGetter, bucket, key string) ([]byte, string, error) {
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get file from S3: %w", err)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, io.LimitReader(result.Body, maxObjectBytes+1)); err != nil {
		return nil, "", fmt.Errorf("failed to read file contents: %w", err)
	}
	if buf.Len() > maxObjectBytes {
		return nil, "", fmt.Errorf("object %s exceeds %d bytes", key, maxObjectBytes)
	}
	return buf.Bytes(), aws.ToString(result.ContentType), nil
}

// FetchText returns the object at key as cleaned text. Only text objects
// are accepted; markup is reduced to its visible text.
func (f *S3Fetcher) FetchText(ctx context.Context, key string) (string, error) {
	data, contentType, err := getFile(ctx, f.client, f.bucket, key)
	if err != nil {
		return "", err
	}
	if contentType != "" && !strings.HasPrefix(contentType, "text/") {
		return "", fmt.Errorf("object %s has content type %s, expected text", key, contentType)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("object %s is not utf-8 text", key)
	}
	return util.CleanText(string(data)), nil
}
