package aws_s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	netUrl "net/url"
	"os"

	"github.com/IliaW/site-cloner/config"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const zipContentType = "application/zip"

type BucketClient interface {
	WriteArchive(ctx context.Context, seedURL, jobID, filename string, archive []byte) (string, error)
}

type S3BucketClient struct {
	client *s3.Client
	cfg    *config.Config
}

func NewS3BucketClient(cfg *config.Config) *S3BucketClient {
	slog.Info("connecting to s3...")

	c, err := connect(cfg)
	if err != nil {
		slog.Error("failed to connect to s3.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return &S3BucketClient{
		client: c,
		cfg:    cfg,
	}
}

// WriteArchive uploads a zip and returns its key.
func (bc *S3BucketClient) WriteArchive(ctx context.Context, seedURL, jobID, filename string,
	archive []byte) (string, error) {
	s3Key, err := ArchiveKey(bc.cfg.S3Settings.KeyPrefix, seedURL, jobID, filename)
	if err != nil {
		slog.Error("failed to parse url.", slog.String("url", seedURL), slog.String("err", err.Error()))
		return "", err
	}
	contentType := zipContentType

	_, err = bc.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bc.cfg.S3Settings.BucketName,
		Key:         &s3Key,
		Body:        bytes.NewReader(archive),
		ContentType: &contentType,
	})
	if err != nil {
		slog.Error("failed to save archive to s3.", slog.String("job_id", jobID), slog.String("err", err.Error()))
		return "", err
	}
	slog.Debug("archive saved to s3.", slog.String("key", s3Key))

	return s3Key, nil
}

// ArchiveKey is <prefix>/<seed host>/<job id>/<filename>.
func ArchiveKey(prefix, seedURL, jobID, filename string) (string, error) {
	u, err := netUrl.Parse(seedURL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/%s", prefix, u.Host, jobID, filename), nil
}

func connect(cfg *config.Config) (*s3.Client, error) {
	s3Config, err := awsCfg.LoadDefaultConfig(context.Background(), awsCfg.WithRegion(cfg.S3Settings.Region))
	if err != nil {
		slog.Error("failed to load s3 config.", slog.String("err", err.Error()))
		return nil, err
	}

	if cfg.Env == "local" {
		s3Config.BaseEndpoint = &cfg.S3Settings.AwsBaseEndpoint // for LocalStack
		s3Config.Credentials = crd.NewStaticCredentialsProvider("test", "test", "")
		// LocalStack does not support virtual hosted bucket addressing, which s3 uses by default.
		slog.Warn("test configuration for S3")
		return s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		}), nil
	}

	return s3.NewFromConfig(s3Config), nil
}
