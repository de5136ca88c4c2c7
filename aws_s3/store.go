// Package aws_s3 stores objects in an S3 (or S3 compatible) bucket. S3 has no locks, so the
// store is composed with a Locker from another system.
package aws_s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	retry "github.com/sethvargo/go-retry"

	"github.com/sharedcode/objectstore"
)

const (
	largeObjectMinSize = 10 * 1024 * 1024
	overwriteRetries   = 3
)

// Store keeps each object as "<prefix><key>" in one bucket.
type Store struct {
	S3Client   *s3.Client
	bucketName string
	prefix     string
}

func NewStore(s3Client *s3.Client, bucketName string, prefix string) (*Store, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	if bucketName == "" {
		return nil, objectstore.NewError(objectstore.InvalidArgument, "bucket", "bucket name can't be empty")
	}
	return &Store{
		S3Client:   s3Client,
		bucketName: bucketName,
		prefix:     prefix,
	}, nil
}

// CreateBucket creates the bucket of this store, tolerating one that already exists and is ours.
func (s *Store) CreateBucket(ctx context.Context, region string) error {
	in := &s3.CreateBucketInput{
		Bucket: aws.String(s.bucketName),
	}
	// us-east-1 rejects an explicit location constraint.
	if region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	_, err := s.S3Client.CreateBucket(ctx, in)
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		return fmt.Errorf("couldn't create bucket %s in Region %s, details: %w", s.bucketName, region, err)
	}
	return nil
}

func (s *Store) objectKey(key string) string {
	return s.prefix + key
}

// mapError converts S3 errors to object store errors.
func mapError(key string, err error) error {
	if err == nil {
		return nil
	}
	var nk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nk) || errors.As(err, &nf) {
		return objectstore.Error{Code: objectstore.NotFound, Err: err, UserData: key}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return objectstore.Error{Code: objectstore.NotFound, Err: err, UserData: key}
		case "PreconditionFailed":
			return objectstore.Error{Code: objectstore.AlreadyExists, Err: err, UserData: key}
		}
	}
	return err
}

func isConditionalConflict(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalRequestConflict"
}

// Create uploads the value only if the key is absent, using a conditional PUT.
func (s *Store) Create(ctx context.Context, key string, value []byte) error {
	bo := retry.WithMaxRetries(5, retry.NewFibonacci(100*time.Millisecond))
	return retry.Do(ctx, bo, func(ctx context.Context) error {
		_, err := s.S3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucketName),
			Key:           aws.String(s.objectKey(key)),
			Body:          bytes.NewReader(value),
			ContentLength: aws.Int64(int64(len(value))),
			IfNoneMatch:   aws.String("*"),
		})
		if isConditionalConflict(err) {
			return retry.RetryableError(err)
		}
		return mapError(key, err)
	})
}

// AtomicOverwrite replaces the object, which must exist. A PUT is atomic on S3: readers see the
// old or the new value whole.
func (s *Store) AtomicOverwrite(ctx context.Context, key string, value []byte) error {
	for i := 0; ; i++ {
		head, err := s.S3Client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil {
			return mapError(key, err)
		}
		in := &s3.PutObjectInput{
			Bucket:  aws.String(s.bucketName),
			Key:     aws.String(s.objectKey(key)),
			Body:    bytes.NewReader(value),
			IfMatch: head.ETag,
		}
		if len(value) >= largeObjectMinSize {
			uploader := manager.NewUploader(s.S3Client, func(u *manager.Uploader) {
				u.PartSize = largeObjectMinSize
			})
			_, err = uploader.Upload(ctx, in)
		} else {
			in.ContentLength = aws.Int64(int64(len(value)))
			_, err = s.S3Client.PutObject(ctx, in)
		}
		if err == nil {
			return nil
		}
		var apiErr smithy.APIError
		conditional := isConditionalConflict(err) || (errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed")
		if !conditional {
			return mapError(key, err)
		}
		if i >= overwriteRetries {
			return fmt.Errorf("overwrite of %s kept conflicting: %w", key, err)
		}
		// The object changed or vanished since the HEAD, look again.
		objectstore.RandomSleep(ctx)
	}
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	result, err := s.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, mapError(key, err)
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.S3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	if err = mapError(key, err); objectstore.CodeOf(err) == objectstore.NotFound {
		return false, nil
	}
	return false, err
}

// Remove deletes the object. S3 deletes are idempotent, so absence is checked first.
func (s *Store) Remove(ctx context.Context, key string) error {
	if ok, err := s.Exists(ctx, key); err != nil {
		return err
	} else if !ok {
		return objectstore.NewError(objectstore.NotFound, key, "key %s not found", key)
	}
	_, err := s.S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(key)),
	})
	return mapError(key, err)
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
	}
	if s.prefix != "" {
		params.Prefix = aws.String(s.prefix)
	}
	var keys []string
	pg := s3.NewListObjectsV2Paginator(s.S3Client, params)
	for pg.HasMorePages() {
		page, err := pg.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	return keys, nil
}

func (s *Store) Params() string {
	return fmt.Sprintf("s3:%s/%s", s.bucketName, s.prefix)
}

func (s *Store) Close() error {
	return nil
}
