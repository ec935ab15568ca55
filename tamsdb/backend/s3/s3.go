// Package s3 stores segment payloads in any S3-compatible object store via
// the minio client.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"

	"github.com/vastmedia/tams/pkg/timerange"
	"github.com/vastmedia/tams/tamsdb/backend"
)

var tracer = otel.Tracer("tamsdb/backend/s3")

type Store struct {
	logger gkLog.Logger
	cfg    *Config
	core   *minio.Core

	bucketReady atomic.Bool
}

var _ backend.Store = (*Store)(nil)

// New builds the S3 segment store. The bucket is not touched here; the first
// write path calls EnsureBucket.
func New(cfg *Config, logger gkLog.Logger) (*Store, error) {
	cfg.applyDefaults()

	core, err := createCore(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating minio core")
	}

	return &Store{
		logger: logger,
		cfg:    cfg,
		core:   core,
	}, nil
}

func createCore(cfg *Config) (*minio.Core, error) {
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey.String(),
			},
		},
		&credentials.EnvMinio{},
		&credentials.IAM{
			Client: &http.Client{
				Transport: http.DefaultTransport,
			},
		},
	})

	opts := &minio.Options{
		Region: cfg.Region,
		Secure: !cfg.Insecure,
		Creds:  creds,
	}

	return minio.NewCore(cfg.Endpoint, opts)
}

// EnsureBucket creates the configured bucket when it does not exist yet.
// Success is remembered so the hot path pays a single atomic load.
func (s *Store) EnsureBucket(ctx context.Context) error {
	if s.bucketReady.Load() {
		return nil
	}

	exists, err := s.core.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return errors.Wrapf(err, "checking bucket %s", s.cfg.Bucket)
	}
	if !exists {
		err = s.core.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region})
		if err != nil {
			return errors.Wrapf(err, "creating bucket %s", s.cfg.Bucket)
		}
		level.Info(s.logger).Log("msg", "created segment bucket", "bucket", s.cfg.Bucket)
	}

	s.bucketReady.Store(true)
	return nil
}

func (s *Store) StoreSegment(ctx context.Context, flowID string, info backend.SegmentInfo, payload backend.Payload, contentType string) (string, int64, error) {
	ctx, span := tracer.Start(ctx, "s3.StoreSegment")
	defer span.End()

	if err := s.EnsureBucket(ctx); err != nil {
		return "", 0, err
	}
	if contentType == "" {
		contentType = backend.DefaultContentType
	}

	key := backend.SegmentKey(flowID, info.SegmentID, info.TimeRange)
	span.SetAttributes(attribute.String("object", key))

	reader, size, done, err := payload.Open()
	if err != nil {
		return "", 0, err
	}
	defer done()

	uploaded, err := s.core.Client.PutObject(ctx, s.cfg.Bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: info.Metadata(flowID, contentType),
	})
	if err != nil {
		return "", 0, errors.Wrapf(err, "storing segment %s", key)
	}

	level.Debug(s.logger).Log("msg", "stored segment payload", "key", key, "bytes", uploaded.Size)
	return key, uploaded.Size, nil
}

func (s *Store) GetSegment(ctx context.Context, flowID, segmentID string, tr timerange.TimeRange) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "s3.GetSegment")
	defer span.End()

	key := backend.SegmentKey(flowID, segmentID, tr)
	span.SetAttributes(attribute.String("object", key))

	reader, _, _, err := s.core.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, readError(err)
	}
	defer reader.Close()

	buf, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrapf(err, "reading segment %s", key)
	}
	return buf, nil
}

func (s *Store) GetSegmentMetadata(ctx context.Context, flowID, segmentID string, tr timerange.TimeRange) (backend.ObjectMetadata, error) {
	ctx, span := tracer.Start(ctx, "s3.GetSegmentMetadata")
	defer span.End()

	key := backend.SegmentKey(flowID, segmentID, tr)

	info, err := s.core.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, readError(err)
	}

	md := backend.ObjectMetadata{}
	for k, v := range info.UserMetadata {
		md[k] = v
	}
	md["size"] = fmt.Sprintf("%d", info.Size)
	md["last_modified"] = info.LastModified.UTC().Format(time.RFC3339)
	md["etag"] = info.ETag
	if info.ContentType != "" {
		md["content_type"] = info.ContentType
	}
	return md, nil
}

func (s *Store) DeleteSegment(ctx context.Context, flowID, segmentID string, tr timerange.TimeRange) error {
	return s.DeleteObject(ctx, backend.SegmentKey(flowID, segmentID, tr))
}

func (s *Store) DeleteObject(ctx context.Context, storagePath string) error {
	ctx, span := tracer.Start(ctx, "s3.DeleteObject")
	defer span.End()
	span.SetAttributes(attribute.String("object", storagePath))

	err := s.core.RemoveObject(ctx, s.cfg.Bucket, storagePath, minio.RemoveObjectOptions{})
	if err != nil && !errors.Is(readError(err), backend.ErrDoesNotExist) {
		return errors.Wrapf(err, "deleting %s", storagePath)
	}
	return nil
}

func (s *Store) PresignedURL(ctx context.Context, storagePath string, op backend.PresignOp, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > s.cfg.PresignTTL {
		ttl = s.cfg.PresignTTL
	}

	switch op {
	case backend.PresignGet:
		u, err := s.core.Client.PresignedGetObject(ctx, s.cfg.Bucket, storagePath, ttl, nil)
		if err != nil {
			return "", errors.Wrapf(err, "presigning GET %s", storagePath)
		}
		return u.String(), nil
	case backend.PresignPut:
		u, err := s.core.Client.PresignedPutObject(ctx, s.cfg.Bucket, storagePath, ttl)
		if err != nil {
			return "", errors.Wrapf(err, "presigning PUT %s", storagePath)
		}
		return u.String(), nil
	case backend.PresignDelete:
		u, err := s.core.Client.PresignHeader(ctx, http.MethodDelete, s.cfg.Bucket, storagePath, ttl, nil, nil)
		if err != nil {
			return "", errors.Wrapf(err, "presigning DELETE %s", storagePath)
		}
		return u.String(), nil
	default:
		return "", errors.Errorf("unknown presign operation %q", op)
	}
}

func (s *Store) GetURLs(ctx context.Context, storagePath, label string, ttl time.Duration) ([]backend.StoreDescriptor, error) {
	u, err := s.PresignedURL(ctx, storagePath, backend.PresignGet, ttl)
	if err != nil {
		return nil, err
	}
	if label == "" {
		label = s.cfg.DefaultLabel
	}

	return []backend.StoreDescriptor{{
		URL:              u,
		StoreType:        s.cfg.StoreType,
		Provider:         s.cfg.Provider,
		Region:           s.cfg.Region,
		AvailabilityZone: s.cfg.AvailabilityZone,
		StoreProduct:     s.cfg.StoreProduct,
		StorageID:        s.cfg.StorageID,
		Presigned:        true,
		Controlled:       true,
		Label:            label,
	}}, nil
}

func readError(err error) error {
	if err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return backend.ErrDoesNotExist
	}
	return err
}
