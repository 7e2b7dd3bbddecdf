package archive

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// ObjectPutter is the subset of the S3 client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader mirrors backup directories into a bucket.
type S3Uploader struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Uploader loads the default AWS credential chain for region.
func NewS3Uploader(ctx context.Context, bucket, prefix, region string) (*S3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}
	return NewS3UploaderWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3UploaderWithClient uses an existing client.
func NewS3UploaderWithClient(client ObjectPutter, bucket, prefix string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, prefix: prefix}
}

// Upload puts every regular file under dir at <prefix>/<base(dir)>/<relative path>.
// It returns the number of objects written.
func (u *S3Uploader) Upload(ctx context.Context, dir string) (int, error) {
	n := 0
	root := filepath.Base(dir)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := path.Join(u.prefix, root, filepath.ToSlash(rel))
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(key),
			Body:   f,
		}); err != nil {
			return fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("archive: upload %s: %w", dir, err)
	}
	logrus.Infof("archive: uploaded %d objects from %s to s3://%s/%s", n, dir, u.bucket, path.Join(u.prefix, root))
	return n, nil
}
