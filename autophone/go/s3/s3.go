// Package s3 uploads job artifacts to an S3 bucket so result links outlive
// the host. Files are gzip-compressed on the way up.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
	"go.skia.org/autophone/go/util"
)

// API is the subset of the S3 client the bucket uses, separated so tests can
// substitute a fake.
type API interface {
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

// Bucket wraps one S3 bucket.
type Bucket struct {
	name   string
	client API
}

// New returns a Bucket using static credentials, verifying up front that the
// bucket exists and the credentials can reach it.
func New(ctx context.Context, bucketName, accessKeyID, secretAccessKey string) (*Bucket, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	if err != nil {
		return nil, skerr.Wrapf(err, "loading AWS config")
	}
	b := NewFromClient(awss3.NewFromConfig(cfg), bucketName)
	if _, err := b.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(bucketName)}); err != nil {
		return nil, skerr.Wrapf(err, "bucket %s not reachable", bucketName)
	}
	return b, nil
}

// NewFromClient returns a Bucket over an existing client. No validation is
// performed.
func NewFromClient(client API, bucketName string) *Bucket {
	return &Bucket{name: bucketName, client: client}
}

// Upload gzip-compresses the file at path and stores it under key, returning
// the public url of the object. Logs and text files are typed text/plain so
// browsers render them inline.
func (b *Bucket) Upload(ctx context.Context, path, key string) (string, error) {
	compressed := bytes.Buffer{}
	err := util.WithReadFile(path, func(r io.Reader) error {
		return util.WithGzipWriter(&compressed, func(w io.Writer) error {
			_, err := io.Copy(w, r)
			return err
		})
	})
	if err != nil {
		return "", skerr.Wrapf(err, "compressing %s", path)
	}
	input := &awss3.PutObjectInput{
		Bucket:          aws.String(b.name),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed.Bytes()),
		ContentEncoding: aws.String("gzip"),
	}
	if ext := filepath.Ext(path); ext == ".log" || ext == ".txt" {
		input.ContentType = aws.String("text/plain")
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return "", skerr.Wrapf(err, "uploading %s to %s", path, key)
	}
	url := b.URL(key)
	sklog.Debugf("Uploaded %s to %s", path, url)
	return url, nil
}

// URL returns the public url of key.
func (b *Bucket) URL(key string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", b.name, key)
}

// List returns the keys under prefix whose names match keyPattern.
func (b *Bucket) List(ctx context.Context, prefix, keyPattern string) ([]string, error) {
	re, err := regexp.Compile(keyPattern)
	if err != nil {
		return nil, skerr.Wrapf(err, "bad key pattern %q", keyPattern)
	}
	ret := []string{}
	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	}
	for {
		out, err := b.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, skerr.Wrapf(err, "listing %s/%s", b.name, prefix)
		}
		for _, obj := range out.Contents {
			if key := aws.ToString(obj.Key); re.MatchString(key) {
				ret = append(ret, key)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.ContinuationToken = out.NextContinuationToken
	}
	return ret, nil
}

// Delete removes the given keys.
func (b *Bucket) Delete(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.name),
			Key:    aws.String(key),
		}); err != nil {
			return skerr.Wrapf(err, "deleting %s", key)
		}
	}
	return nil
}
