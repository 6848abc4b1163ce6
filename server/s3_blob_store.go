package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3BlobStore implements the BlobStore interface using AWS S3. Bytes never
// move through the server: clients upload and download against presigned
// URLs issued here.
type S3BlobStore struct {
	s3Client   *s3.S3
	bucketName string
}

// NewS3BlobStore creates a new S3 blob store. A non-empty endpoint
// redirects the client to a local stack with path-style addressing and
// static test credentials.
func NewS3BlobStore(region, bucketName, endpoint string) (*S3BlobStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	cfg := aws.NewConfig().WithRegion(region).WithMaxRetries(awsMaxRetries)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).
			WithS3ForcePathStyle(true).
			WithCredentials(credentials.NewStaticCredentials("test", "test", ""))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	return &S3BlobStore{
		s3Client:   s3.New(sess),
		bucketName: bucketName,
	}, nil
}

// Stat describes the blob at ref via a HEAD request
func (s *S3BlobStore) Stat(ctx context.Context, ref string) (*BlobInfo, error) {
	head, err := s.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(ref),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrBlobMissing
		}
		return nil, storeUnavailable("failed to stat blob", err)
	}

	return &BlobInfo{Size: aws.Int64Value(head.ContentLength)}, nil
}

// IssueWriteCredential returns a presigned PUT for ref. The signature binds
// the content type, so the upload must send the same Content-Type header.
func (s *S3BlobStore) IssueWriteCredential(ctx context.Context, ref, contentType string, ttl time.Duration) (*Credential, error) {
	req, _ := s.s3Client.PutObjectRequest(&s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(ref),
		ContentType: aws.String(contentType),
	})

	url, err := req.Presign(ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload for %s: %v", ref, err)
	}

	return &Credential{
		URL:       url,
		Method:    "PUT",
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

// IssueReadCredential returns a presigned GET for ref
func (s *S3BlobStore) IssueReadCredential(ctx context.Context, ref string, ttl time.Duration) (*Credential, error) {
	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(ref),
	})

	url, err := req.Presign(ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to presign download for %s: %v", ref, err)
	}

	return &Credential{
		URL:       url,
		Method:    "GET",
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

// Delete removes the blob at ref. S3 treats deleting an absent key as
// success, so the call is idempotent.
func (s *S3BlobStore) Delete(ctx context.Context, ref string) error {
	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(ref),
	})
	if err != nil {
		return storeUnavailable("failed to delete blob", err)
	}

	return nil
}

// isS3NotFound reports whether err is an S3 404 for a missing object.
func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == 404 {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
