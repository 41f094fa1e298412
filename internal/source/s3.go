package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the s3:// fetcher. Empty credentials fall back to the
// default AWS credential chain.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UsePathStyle    bool
}

// s3Fetcher downloads s3://bucket/key objects with the multipart downloader.
type s3Fetcher struct {
	cfg    S3Config
	once   sync.Once
	client *s3.Client
	err    error
}

func newS3Fetcher(cfg S3Config) *s3Fetcher {
	return &s3Fetcher{cfg: cfg}
}

func (f *s3Fetcher) clientFor(ctx context.Context) (*s3.Client, error) {
	f.once.Do(func() {
		var opts []func(*config.LoadOptions) error
		if f.cfg.Region != "" {
			opts = append(opts, config.WithRegion(f.cfg.Region))
		}
		if f.cfg.AccessKeyID != "" || f.cfg.SecretAccessKey != "" {
			if f.cfg.AccessKeyID == "" || f.cfg.SecretAccessKey == "" {
				f.err = errors.New("s3 access key id and secret access key must be set together")
				return
			}
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(f.cfg.AccessKeyID, f.cfg.SecretAccessKey, f.cfg.SessionToken)))
		}

		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			f.err = fmt.Errorf("failed to load aws config: %w", err)
			return
		}
		f.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if f.cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(f.cfg.Endpoint)
			}
			o.UsePathStyle = f.cfg.UsePathStyle
		})
	})
	return f.client, f.err
}

func (f *s3Fetcher) Fetch(ctx context.Context, ref *url.URL, dst *os.File) error {
	bucket, key, err := objectRef(ref)
	if err != nil {
		return err
	}
	client, err := f.clientFor(ctx)
	if err != nil {
		return err
	}

	downloader := manager.NewDownloader(client)
	if _, err := downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 download failed: %w", err)
	}
	return nil
}
