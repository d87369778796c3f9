package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"enrollment-pipeline/internal/config"
	"enrollment-pipeline/internal/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives each letter as a JSON object.
type S3Sink struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Sink builds an archive sink from config. It returns nil when no bucket
// is configured.
func NewS3Sink(ctx context.Context, cfg config.Config) (*S3Sink, error) {
	if cfg.DLQS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Sink{client: client, bucket: cfg.DLQS3Bucket, prefix: cfg.DLQS3Prefix}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DLQS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.DLQS3PathStyle
		if cfg.DLQS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DLQS3Endpoint)
		}
	}), nil
}

// Key is the object key a letter is stored under.
func (s *S3Sink) Key(letter models.DeadLetter) string {
	id := letter.MessageID
	if id == "" {
		id = fmt.Sprintf("unknown-%d", letter.At.UnixNano())
	}
	return path.Join(strings.Trim(s.prefix, "/"), letter.At.UTC().Format("2006-01-02"), id+".json")
}

func (s *S3Sink) Send(ctx context.Context, letter models.DeadLetter) error {
	body, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(letter)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}
