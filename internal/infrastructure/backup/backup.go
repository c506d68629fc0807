// Package backup exports snapshots of the resource database to S3.
//
// A snapshot is one JSON document holding every registered user type and
// every live persistent node, in the same shapes the record log stores.
// Objects are written as {prefix}/resdb-<UTC timestamp>.json to a single
// bucket on AWS S3 or any S3-compatible endpoint such as MinIO.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-resdb/internal/resource"
	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

const (
	defaultRegion = "us-east-1"
	keyTimeFormat = "20060102T150405Z"
	contentType   = "application/json"
)

var (
	// ErrDisabled is returned by New when backups are disabled in config.
	ErrDisabled = errors.New("backup: disabled in configuration")

	// ErrUploadFailed wraps S3 failures.
	ErrUploadFailed = errors.New("backup: upload failed")
)

// Source provides the state to export. Implemented by *resource.Store.
type Source interface {
	Schema() *schema.Registry
	AllSnapshots() []resource.Snapshot
}

// Document is the JSON body of a snapshot object.
type Document struct {
	CreatedAt time.Time           `json:"created_at"`
	Site      string              `json:"site,omitempty"`
	Types     []schema.Descriptor `json:"types"`
	Resources []resource.Snapshot `json:"resources"`
}

// Object describes a stored snapshot.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Exporter writes snapshot documents to one bucket.
type Exporter struct {
	client *s3.Client
	bucket string
	prefix string
	site   string
	now    func() time.Time
}

// New creates an exporter from config. Credentials come from the default
// AWS chain (environment, shared config, instance role).
//
// Parameters:
//   - ctx: Context for loading the AWS configuration
//   - cfg: Backup settings
//   - site: Site id recorded in each document
//
// Returns:
//   - *Exporter: Ready exporter
//   - error: ErrDisabled, or a configuration failure
func New(ctx context.Context, cfg config.BackupConfig, site string) (*Exporter, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backup: bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newExporter(client, cfg.Bucket, cfg.Prefix, site), nil
}

func newExporter(client *s3.Client, bucket, prefix, site string) *Exporter {
	return &Exporter{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		site:   site,
		now:    time.Now,
	}
}

// Bucket returns the target bucket.
func (e *Exporter) Bucket() string { return e.bucket }

// Snapshot builds a document from src without uploading it.
func (e *Exporter) Snapshot(src Source) Document {
	types := src.Schema().UserTypes()
	descs := make([]schema.Descriptor, 0, len(types))
	for _, t := range types {
		descs = append(descs, t.Descriptor())
	}
	return Document{
		CreatedAt: e.now().UTC(),
		Site:      e.site,
		Types:     descs,
		Resources: src.AllSnapshots(),
	}
}

// Export snapshots src and uploads the document.
//
// Returns:
//   - string: Object key of the uploaded snapshot
//   - error: ErrUploadFailed wrapping the S3 error
func (e *Exporter) Export(ctx context.Context, src Source) (string, error) {
	return e.Upload(ctx, e.Snapshot(src))
}

// Upload writes doc under a key derived from its creation time.
func (e *Exporter) Upload(ctx context.Context, doc Document) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	key := e.key(doc.CreatedAt)

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"resources": fmt.Sprintf("%d", len(doc.Resources)),
			"types":     fmt.Sprintf("%d", len(doc.Types)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUploadFailed, key, err)
	}
	return key, nil
}

// List returns the stored snapshots, oldest first.
func (e *Exporter) List(ctx context.Context) ([]Object, error) {
	prefix := e.objectPrefix()
	var (
		out   []Object
		token *string
	)
	for {
		page, err := e.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(e.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing snapshots: %w", err)
		}
		for _, obj := range page.Contents {
			out = append(out, Object{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if aws.ToBool(page.IsTruncated) && page.NextContinuationToken != nil {
			token = page.NextContinuationToken
			continue
		}
		break
	}
	// Keys embed the UTC timestamp, so name order is time order.
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (e *Exporter) objectPrefix() string {
	if e.prefix == "" {
		return "resdb-"
	}
	return e.prefix + "/resdb-"
}

func (e *Exporter) key(t time.Time) string {
	return e.objectPrefix() + t.UTC().Format(keyTimeFormat) + ".json"
}
