package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const s3FetchTimeout = 30 * time.Second

// readConfigBytes resolves a config location to its raw bytes. Supports a
// local filesystem path or an "s3://bucket/key" URL, matching where the
// configuration UI publishes the file.
func readConfigBytes(path string) ([]byte, error) {
	if strings.HasPrefix(path, "s3://") {
		return readFromS3(path)
	}
	return os.ReadFile(path)
}

func readFromS3(url string) ([]byte, error) {
	bucket, key, err := splitS3URL(url)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3FetchTimeout)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

func splitS3URL(url string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(url, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid s3 url %q, want s3://bucket/key", url)
	}
	return parts[0], parts[1], nil
}
