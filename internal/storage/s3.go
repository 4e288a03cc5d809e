package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/effects"
	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of *s3.Client the store needs.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds explicit construction parameters. Endpoint and PathStyle
// are for S3-compatible servers like MinIO.
type S3Config struct {
	Region    string
	Bucket    string
	Prefix    string
	Endpoint  string
	PathStyle bool
}

// S3 keeps one object per key under Prefix in a single bucket.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, auraerr.New(auraerr.KindInvalid, "storage.s3.new", "bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindStorage, "storage.s3.new", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// S3ConfigFromEnv reads AURA_S3_BUCKET, AURA_S3_REGION, AURA_S3_PREFIX,
// AURA_S3_ENDPOINT and AURA_S3_PATH_STYLE.
func S3ConfigFromEnv() S3Config {
	return S3Config{
		Bucket:    os.Getenv("AURA_S3_BUCKET"),
		Region:    os.Getenv("AURA_S3_REGION"),
		Prefix:    os.Getenv("AURA_S3_PREFIX"),
		Endpoint:  os.Getenv("AURA_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("AURA_S3_PATH_STYLE"), "true"),
	}
}

func newS3WithClient(client s3API, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) k(key string) *string { return aws.String(s.prefix + key) }

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3) Store(ctx context.Context, key string, value []byte) error {
	if err := checkKey("storage.s3.store", key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         s.k(key),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/octet-stream"),
	})
	return auraerr.Wrap(auraerr.KindStorage, "storage.s3.store", err)
}

func (s *S3) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: s.k(key)})
	if isS3NotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, auraerr.Wrap(auraerr.KindStorage, "storage.s3.retrieve", err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, auraerr.Wrap(auraerr.KindStorage, "storage.s3.retrieve", err)
	}
	return b, true, nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: s.k(key)})
	if isS3NotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, auraerr.Wrap(auraerr.KindStorage, "storage.s3.exists", err)
	}
	return true, nil
}

func (s *S3) Remove(ctx context.Context, key string) (bool, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: s.k(key)}); err != nil {
		return false, auraerr.Wrap(auraerr.KindStorage, "storage.s3.remove", err)
	}
	return true, nil
}

type s3Entry struct {
	key  string
	size int64
}

func (s *S3) listAll(ctx context.Context, prefix string) ([]s3Entry, error) {
	var out []s3Entry
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            s.k(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			e := s3Entry{key: strings.TrimPrefix(*obj.Key, s.prefix)}
			if obj.Size != nil {
				e.size = *obj.Size
			}
			out = append(out, e)
		}
		if page.IsTruncated == nil || !*page.IsTruncated || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := s.listAll(ctx, prefix)
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindStorage, "storage.s3.list", err)
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys, nil
}

// Batch has no native transaction in S3. Previous values are captured first
// and restored on the first failure.
func (s *S3) Batch(ctx context.Context, ops []effects.BatchOp) error {
	type prior struct {
		key     string
		value   []byte
		present bool
	}
	for _, op := range ops {
		if err := checkKey("storage.s3.batch", op.Key); err != nil {
			return err
		}
	}
	saved := make([]prior, 0, len(ops))
	for _, op := range ops {
		v, ok, err := s.Retrieve(ctx, op.Key)
		if err != nil {
			return err
		}
		saved = append(saved, prior{key: op.Key, value: v, present: ok})
	}
	for i, op := range ops {
		var err error
		if op.Delete {
			_, err = s.Remove(ctx, op.Key)
		} else {
			err = s.Store(ctx, op.Key, op.Value)
		}
		if err == nil {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			p := saved[j]
			if p.present {
				_ = s.Store(ctx, p.key, p.value)
			} else {
				_, _ = s.Remove(ctx, p.key)
			}
		}
		return auraerr.Wrap(auraerr.KindStorage, "storage.s3.batch", err)
	}
	return nil
}

func (s *S3) Clear(ctx context.Context) error {
	entries, err := s.listAll(ctx, "")
	if err != nil {
		return auraerr.Wrap(auraerr.KindStorage, "storage.s3.clear", err)
	}
	for _, e := range entries {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: s.k(e.key)}); err != nil {
			return auraerr.Wrap(auraerr.KindStorage, "storage.s3.clear", err)
		}
	}
	return nil
}

func (s *S3) Stats(ctx context.Context) (effects.StorageStats, error) {
	entries, err := s.listAll(ctx, "")
	if err != nil {
		return effects.StorageStats{}, auraerr.Wrap(auraerr.KindStorage, "storage.s3.stats", err)
	}
	st := effects.StorageStats{Backend: "s3", Keys: int64(len(entries))}
	for _, e := range entries {
		st.Bytes += e.size
	}
	return st, nil
}
