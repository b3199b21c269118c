package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goback/crudkit/pkg/config"
	"github.com/goback/crudkit/pkg/logger"
	"go.uber.org/zap"
)

// S3Store 基于 S3 兼容存储（AWS S3、MinIO）
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store 创建 S3 存储，配置了 Endpoint 时使用自定义地址
func NewS3Store(ctx context.Context, cfg *config.StorageConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket must not be empty")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		// MinIO 等兼容实现未必支持默认的 CRC 校验
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	logger.Debug("对象存储已启用", zap.String("bucket", cfg.Bucket), zap.String("endpoint", cfg.Endpoint))
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}, nil
}

func (s *S3Store) key(key string) *string {
	return aws.String(s.prefix + key)
}

// Put 上传对象，不可 Seek 的内容先读入内存
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	rs, ok := body.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		rs, size = bytes.NewReader(data), int64(len(data))
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(key),
		Body:   rs,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Get 下载对象
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("download %s: %w", key, err)
	}
	obj := &Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}
	return out.Body, obj, nil
}

// List 按前缀列出，自动翻页
func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	out := make([]Object, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: s.key(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, item := range page.Contents {
			key := aws.ToString(item.Key)
			out = append(out, Object{
				Key:          key[len(s.prefix):],
				Size:         aws.ToInt64(item.Size),
				LastModified: aws.ToTime(item.LastModified),
			})
		}
	}
	return out, nil
}

// Delete 删除对象，对象不存在时返回 ErrNotFound
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(key),
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("stat %s: %w", key, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(key),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *awshttp.ResponseError
	return stderrors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
