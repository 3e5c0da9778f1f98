// package s3store provides a driver that writes each list snapshot as a
// single binary blob object to an S3 compatible bucket.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/storage"
	"github.com/sour-is/potato/pkg/storage/driver"
)

const DefaultRegion = "us-east-1"

type s3Store struct {
	client *s3.Client
	bucket string
	prefix string

	m_s3_get syncint64.Counter
	m_s3_put syncint64.Counter
}

func Init(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	d := &s3Store{}
	errs := d.meters(ctx)

	return multierr.Append(errs, storage.Register(ctx, "s3", d))
}

func (d *s3Store) meters(ctx context.Context) error {
	m := lg.Meter(ctx)
	var err, errs error

	d.m_s3_get, err = m.SyncInt64().Counter("s3_get")
	errs = multierr.Append(errs, err)

	d.m_s3_put, err = m.SyncInt64().Counter("s3_put")
	errs = multierr.Append(errs, err)

	return errs
}

var _ driver.Driver = (*s3Store)(nil)

// Open accepts s3:<bucket>[/prefix][?region=..&endpoint=..&path_style=true].
// Credentials come from the default AWS chain.
func (d *s3Store) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	scheme, rest, ok := strings.Cut(dsn, ":")
	if !ok || scheme != "s3" {
		return nil, fmt.Errorf("expeted scheme=s3, got=%s", scheme)
	}

	u, err := url.Parse("s3://" + strings.TrimPrefix(rest, "//"))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}

	q := u.Query()
	region := q.Get("region")
	if region == "" {
		region = DefaultRegion
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	endpoint := q.Get("endpoint")
	pathStyle := strings.EqualFold(q.Get("path_style"), "true")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	s := newStore(client, u.Host, u.Path)
	s.m_s3_get, s.m_s3_put = d.m_s3_get, d.m_s3_put

	return s, nil
}

// New wraps an existing client.
func New(client *s3.Client, bucket, prefix string) driver.Driver {
	return newStore(client, bucket, prefix)
}

func newStore(client *s3.Client, bucket, prefix string) *s3Store {
	return &s3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (d *s3Store) classPrefix(class string) string {
	return path.Join(d.prefix, url.PathEscape(class)) + "/"
}

func (d *s3Store) objectKey(key driver.Key) string {
	return d.classPrefix(key.Class) + url.PathEscape(key.Version) + "/" + url.PathEscape(key.List) + ".blob"
}

func (d *s3Store) Save(ctx context.Context, s *driver.Snapshot) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	b, err := driver.MarshalBlob(s)
	if err != nil {
		span.RecordError(err)
		return err
	}

	key := d.objectKey(s.Key)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &d.bucket,
		Key:           &key,
		Body:          bytes.NewReader(b),
		ContentLength: aws.Int64(int64(len(b))),
		ContentType:   aws.String("application/msgpack"),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("put %s: %w", key, err)
	}
	add(ctx, d.m_s3_put, 1)

	return nil
}

func (d *s3Store) Load(ctx context.Context, k driver.Key) (*driver.Snapshot, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	key := d.objectKey(k)
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &d.bucket, Key: &key})
	if isNotFound(err) {
		return nil, driver.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	add(ctx, d.m_s3_get, 1)

	return driver.UnmarshalBlob(b)
}

// Purge deletes the objects of class stored under any version but keep.
func (d *s3Store) Purge(ctx context.Context, class, keep string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	prefix := d.classPrefix(class)
	keepPrefix := prefix + url.PathEscape(keep) + "/"

	var errs error
	var token *string
	for {
		out, err := d.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &d.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			span.RecordError(err)
			return multierr.Append(errs, err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasPrefix(key, keepPrefix) {
				continue
			}
			_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &d.bucket, Key: &key})
			errs = multierr.Append(errs, err)
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	span.RecordError(errs)

	return errs
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}

func add(ctx context.Context, c syncint64.Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}
