// Package archivesink mirrors columnar batches the primary sink
// rejected into an S3 dead-letter bucket so an endpoint outage does not
// silently lose rollups.
package archivesink // import "github.com/microsentinel/agent/internal/export/archivesink"

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Sink archives payloads under
// microsentinel/<table>/<timestamp>-<uuid>.jsonl[.zst].
type Sink struct {
	client *s3.Client
	bucket string
}

// New builds a Sink against the default AWS credential chain.
func New(ctx context.Context, bucket string) (*Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archivesink: bucket not configured")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archivesink: loading AWS config: %w", err)
	}
	return &Sink{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Archive stores one rejected batch.
func (s *Sink) Archive(ctx context.Context, table string, payload []byte) error {
	key := fmt.Sprintf("microsentinel/%s/%s-%s.jsonl",
		table, time.Now().UTC().Format("20060102T150405"), uuid.New().String())
	if bytes.HasPrefix(payload, []byte{0x28, 0xB5, 0x2F, 0xFD}) {
		key += ".zst"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("archivesink: putting %s: %w", key, err)
	}
	return nil
}
