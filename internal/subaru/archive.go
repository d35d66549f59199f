package subaru

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// ArchiveClient wraps the S3 client for the build-log archive bucket.
type ArchiveClient struct {
	Client     *s3.Client
	BucketName string
}

// NewArchiveClient initializes an archive client using configuration values.
// S3-compatible stores (Cloudflare R2, MinIO) work through the ENDPOINT key.
func NewArchiveClient(cfg *Config) (*ArchiveClient, error) {
	endpoint := cfg.Values["ARCHIVE_ENDPOINT"]
	accessKey := cfg.Values["ARCHIVE_ACCESS_KEY_ID"]
	secretKey := cfg.Values["ARCHIVE_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["ARCHIVE_BUCKET_NAME"]

	if endpoint == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("archive credentials missing in configuration (ARCHIVE_ENDPOINT, ARCHIVE_ACCESS_KEY_ID, ARCHIVE_SECRET_ACCESS_KEY, ARCHIVE_BUCKET_NAME)")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: endpoint}, nil
	})

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithRegion("auto"),
	}

	if Debug {
		options = append(options, awsconfig.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &ArchiveClient{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// UploadFile uploads a file to the archive bucket.
func (a *ArchiveClient) UploadFile(ctx context.Context, key string, body []byte) error {
	contentType := "application/octet-stream"
	switch {
	case strings.HasSuffix(key, ".json"):
		contentType = "application/json"
	case strings.HasSuffix(key, ".zst"):
		contentType = "application/zstd"
	case strings.HasSuffix(key, ".gz"):
		contentType = "application/gzip"
	case strings.HasSuffix(key, ".xz"):
		contentType = "application/x-xz"
	}

	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	return err
}

// DownloadFile fetches a file from the archive bucket.
func (a *ArchiveClient) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	output, err := a.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	return io.ReadAll(output.Body)
}

// ListObjects returns the archive keys under prefix.
func (a *ArchiveClient) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.BucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}

// compressLog compresses data with the requested format and returns the
// payload plus the file extension. Unknown formats fall back to zstd.
func compressLog(data []byte, format string) ([]byte, string, error) {
	var buf bytes.Buffer

	switch format {
	case "gz":
		gz := pgzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return nil, "", fmt.Errorf("gzip write failed: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip close failed: %w", err)
		}
		return buf.Bytes(), "gz", nil

	case "xz":
		xw, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, "", fmt.Errorf("xz writer failed: %w", err)
		}
		if _, err := xw.Write(data); err != nil {
			return nil, "", fmt.Errorf("xz write failed: %w", err)
		}
		if err := xw.Close(); err != nil {
			return nil, "", fmt.Errorf("xz close failed: %w", err)
		}
		return buf.Bytes(), "xz", nil

	default:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, "", fmt.Errorf("zstd writer failed: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, "", fmt.Errorf("zstd write failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("zstd close failed: %w", err)
		}
		return buf.Bytes(), "zst", nil
	}
}

// ArchiveBuildLogs compresses and uploads each stage's captured output under
// <buildID>/<stage>.log.<ext>. Stages with no output are skipped. The first
// upload error aborts the pass; the caller treats the whole operation as
// best effort.
func ArchiveBuildLogs(ctx context.Context, client *ArchiveClient, b *Build, format string) error {
	for _, stage := range b.Graph.OrderedStages() {
		var body strings.Builder
		if stage.Output != "" {
			body.WriteString(stage.Output)
		}
		if stage.Error != "" {
			body.WriteString("\n--- stderr ---\n")
			body.WriteString(stage.Error)
		}
		if stage.Warnings != "" {
			body.WriteString("\n--- warnings ---\n")
			body.WriteString(stage.Warnings)
		}
		if body.Len() == 0 {
			continue
		}

		compressed, ext, err := compressLog([]byte(body.String()), format)
		if err != nil {
			return fmt.Errorf("compress log for stage %s: %w", stage.Def.Name, err)
		}

		key := fmt.Sprintf("%s/%s.log.%s", b.ID, stage.Def.Name, ext)
		if err := client.UploadFile(ctx, key, compressed); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		debugf("archived %s (%d bytes)\n", key, len(compressed))
	}
	return nil
}
