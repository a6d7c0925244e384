package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
)

// S3API is the subset of the S3 client the store needs.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps blobs as objects named by their CID.
type S3Store struct {
	api    S3API
	bucket string
	prefix string
}

func NewS3Store(api S3API, bucket, prefix string) *S3Store {
	return &S3Store{api: api, bucket: bucket, prefix: prefix}
}

// NewS3StoreFromEnv loads the default AWS credential chain for region.
func NewS3StoreFromEnv(ctx context.Context, region, bucket, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "loading aws config")
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (s *S3Store) key(id cid.CID) *string {
	return aws.String(s.prefix + id.String())
}

func (s *S3Store) Put(ctx context.Context, data []byte) (cid.CID, error) {
	id := cid.Sum(data)

	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: s.key(id)})
	if err == nil {
		return id, nil
	}
	if !isMissing(err) {
		return "", fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           s.key(id),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return id, nil
}

func (s *S3Store) Get(ctx context.Context, id cid.CID) ([]byte, error) {
	return s.get(ctx, id, nil)
}

func (s *S3Store) GetRange(ctx context.Context, id cid.CID, offset, length int64) ([]byte, error) {
	return s.get(ctx, id, aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)))
}

func (s *S3Store) get(ctx context.Context, id cid.CID, byteRange *string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(id),
		Range:  byteRange,
	})
	if err != nil {
		if isMissing(err) {
			return nil, domain.NotFoundError{Resource: fmt.Sprintf("blob %s", id)}
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return data, nil
}

func isMissing(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

var _ Store = (*S3Store)(nil)
var _ RangeGetter = (*S3Store)(nil)
