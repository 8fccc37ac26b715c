package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"go.skia.org/autophone/go/testutils/unittest"
)

// fakeS3 is an in-memory API.
type fakeS3 struct {
	objects      map[string][]byte
	contentTypes map[string]string
	encodings    map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:      map[string][]byte{},
		contentTypes: map[string]string{},
		encodings:    map[string]string{},
	}
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error) {
	return &awss3.HeadBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(params.Key)
	f.objects[key] = body
	f.contentTypes[key] = aws.ToString(params.ContentType)
	f.encodings[key] = aws.ToString(params.ContentEncoding)
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	out := &awss3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	prefix := aws.ToString(params.Prefix)
	for key := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(params.Key))
	return &awss3.DeleteObjectOutput{}, nil
}

func TestUpload(t *testing.T) {
	unittest.SmallTest(t)

	ctx := context.Background()
	fake := newFakeS3()
	bucket := NewFromClient(fake, "autophone-logs")

	path := filepath.Join(t.TempDir(), "autophone-test.log")
	require.NoError(t, os.WriteFile(path, []byte("job log contents\n"), 0644))

	url, err := bucket.Upload(ctx, path, "nexus-s-1/autophone-test.log")
	require.NoError(t, err)
	require.Equal(t, "https://autophone-logs.s3.amazonaws.com/nexus-s-1/autophone-test.log", url)

	// Stored gzipped with text/plain for browsers.
	require.Equal(t, "gzip", fake.encodings["nexus-s-1/autophone-test.log"])
	require.Equal(t, "text/plain", fake.contentTypes["nexus-s-1/autophone-test.log"])
	zr, err := gzip.NewReader(bytes.NewReader(fake.objects["nexus-s-1/autophone-test.log"]))
	require.NoError(t, err)
	contents, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, "job log contents\n", string(contents))
}

func TestUploadMissingFile(t *testing.T) {
	unittest.SmallTest(t)

	bucket := NewFromClient(newFakeS3(), "autophone-logs")
	_, err := bucket.Upload(context.Background(), "/no/such/file.log", "key")
	require.Error(t, err)
}

func TestListAndDelete(t *testing.T) {
	unittest.SmallTest(t)

	ctx := context.Background()
	fake := newFakeS3()
	fake.objects["nexus-s-1/a.log"] = nil
	fake.objects["nexus-s-1/b.txt"] = nil
	fake.objects["nexus-4-2/c.log"] = nil
	bucket := NewFromClient(fake, "autophone-logs")

	keys, err := bucket.List(ctx, "nexus-s-1/", `.*\.log$`)
	require.NoError(t, err)
	require.Equal(t, []string{"nexus-s-1/a.log"}, keys)

	require.NoError(t, bucket.Delete(ctx, keys))
	require.NotContains(t, fake.objects, "nexus-s-1/a.log")
	require.Contains(t, fake.objects, "nexus-s-1/b.txt")
}
