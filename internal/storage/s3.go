package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Storage stores objects in one AWS S3 bucket. Credentials come from the
// standard AWS environment/config chain.
type S3Storage struct {
	Bucket        string
	Region        string
	SSEEncryption string
	s3Client      *s3.S3
	uploader      *s3manager.Uploader
}

// NewS3Storage creates a client for bucket in region.
func NewS3Storage(bucket, region, sseEncryption string) (*S3Storage, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket name is required")
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	client := s3.New(sess)
	return &S3Storage{
		Bucket:        bucket,
		Region:        region,
		SSEEncryption: sseEncryption,
		s3Client:      client,
		uploader:      s3manager.NewUploaderWithClient(client),
	}, nil
}

// URL returns the virtual-hosted style URL of key.
func (s *S3Storage) URL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.Bucket, s.Region, (&url.URL{Path: key}).EscapedPath())
}

// Put uploads data as a single object; S3 makes it visible atomically.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	input := s3manager.UploadInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Body:        bytes.NewReader(data),
	}
	if s.SSEEncryption != "" {
		input.ServerSideEncryption = aws.String(s.SSEEncryption)
	}
	if _, err := s.uploader.UploadWithContext(ctx, &input); err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return s.URL(key), nil
}

// Get downloads the object stored under key.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Delete removes the object stored under key.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	_, err = s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}
