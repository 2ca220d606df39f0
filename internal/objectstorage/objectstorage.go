// Package objectstorage provides S3-compatible object storage for stacks:
// get/put/delete/list scoped by <stack_id>/<storage_name>/<key>, via
// aws-sdk-go-v2 against any S3-compatible endpoint.
package objectstorage

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
	"github.com/sirupsen/logrus"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

// Config configures a Storage client. Endpoint may point at any
// S3-compatible service; leave it empty for AWS itself.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// Storage is the node-local façade over an S3-compatible bucket, scoping
// every key under <stack_id>/<storage_name>/ the way internal/kv scopes rows
// under a stack/table namespace.
type Storage struct {
	client *s3.Client
	bucket string
	log    *logrus.Entry
}

// New builds a Storage client against cfg. The key itself is opaque to the
// system; only the stack/storage scoping prefix is imposed here.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstorage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &Storage{
		client: client,
		bucket: cfg.Bucket,
		log:    logrus.WithField("component", "objectstorage"),
	}, nil
}

// scopedKey builds the "<stack_id>/<storage_name>/<key>" object key.
func scopedKey(stackID clusterid.StackID, storageName, key string) string {
	return fmt.Sprintf("%s/%s/%s", stackID.String(), storageName, key)
}

// Put writes value under the given scoped key.
func (s *Storage) Put(ctx context.Context, stackID clusterid.StackID, storageName, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(scopedKey(stackID, storageName, key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("objectstorage: put %s/%s: %w", storageName, key, err)
	}
	return nil
}

// Get reads the value at the given scoped key. ok is false if the object
// does not exist.
func (s *Storage) Get(ctx context.Context, stackID clusterid.StackID, storageName, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(scopedKey(stackID, storageName, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("objectstorage: get %s/%s: %w", storageName, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("objectstorage: read body %s/%s: %w", storageName, key, err)
	}
	return data, true, nil
}

// Delete removes the object at the given scoped key. Deleting an absent key
// is not an error, matching S3's own delete semantics.
func (s *Storage) Delete(ctx context.Context, stackID clusterid.StackID, storageName, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(scopedKey(stackID, storageName, key)),
	})
	if err != nil {
		return fmt.Errorf("objectstorage: delete %s/%s: %w", storageName, key, err)
	}
	return nil
}

// List returns every key under the given storage's prefix, with the
// "<stack_id>/<storage_name>/" scoping prefix stripped back off.
func (s *Storage) List(ctx context.Context, stackID clusterid.StackID, storageName string) ([]string, error) {
	prefix := fmt.Sprintf("%s/%s/", stackID.String(), storageName)
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objectstorage: list %s: %w", storageName, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}
	return keys, nil
}

// DeleteStorage removes every object under a storage's prefix, used when a
// stack's Storage service is marked for deletion.
func (s *Storage) DeleteStorage(ctx context.Context, stackID clusterid.StackID, storageName string) error {
	keys, err := s.List(ctx, stackID, storageName)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, stackID, storageName, k); err != nil {
			s.log.WithError(err).WithField("key", k).Warn("failed to delete object during storage teardown")
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}
