// Package watermark persists the per-feed watermark blob in S3-compatible
// object storage: a small JSON envelope, read-on-start and
// write-on-consolidation-success. A missing object is a well-defined
// "no prior run" state, not an error.
package watermark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nivoda/diamond-ingest/pkg/model"
)

// Store is an S3-backed watermark.Store implementation.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store against bucket using client.
func New(client *s3.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Get returns (nil, nil) when no watermark blob exists yet.
func (s *Store) Get(ctx context.Context, feed string) (*model.Watermark, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(feed)),
	})

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watermark: getting blob for feed %s: %w", feed, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("watermark: reading blob for feed %s: %w", feed, err)
	}

	var wm model.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("watermark: parsing blob for feed %s: %w", feed, err)
	}
	return &wm, nil
}

// Put writes wm as the feed's watermark blob, overwriting any prior
// value. Called only on successful consolidation.
func (s *Store) Put(ctx context.Context, feed string, wm model.Watermark) error {
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("watermark: marshaling blob for feed %s: %w", feed, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(blobKey(feed)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("watermark: putting blob for feed %s: %w", feed, err)
	}
	return nil
}

func blobKey(feed string) string {
	return feed + "/watermark.json"
}
