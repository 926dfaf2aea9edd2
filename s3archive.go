package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// EventArchive writes inbound-message events to an S3-compatible bucket,
// one JSON object per message under users/<id>/. Archiving is optional and
// best effort; with no bucket configured the archive is inert.
type EventArchive struct {
	client *s3.Client
	bucket string
}

// NewEventArchive builds the archive from the global S3 environment. Any
// missing credential or bucket disables archiving rather than failing
// startup.
func NewEventArchive() *EventArchive {
	accessKey := os.Getenv(S3_GLOBAL_ACCESS_KEY)
	secretKey := os.Getenv(S3_GLOBAL_SECRET_KEY)
	bucket := os.Getenv(S3_GLOBAL_BUCKET)
	if accessKey == "" || secretKey == "" || bucket == "" {
		log.Info().Msg("S3 archive not configured, event archiving disabled")
		return &EventArchive{}
	}

	region := os.Getenv(S3_GLOBAL_REGION)
	if region == "" {
		region = "us-east-1"
	}

	cfg := aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
	}

	endpoint := os.Getenv(S3_GLOBAL_ENDPOINT)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	log.Info().
		Str("bucket", bucket).
		Str("region", region).
		Str("endpoint", endpoint).
		Msg("S3 event archive initialized")
	return &EventArchive{client: client, bucket: bucket}
}

func (a *EventArchive) Enabled() bool {
	return a != nil && a.client != nil
}

// eventKey places objects under a per-user prefix so a whole user can be
// purged with one prefix listing.
func (a *EventArchive) eventKey(evt WebhookEvent) string {
	ts := time.Unix(evt.Timestamp, 0).UTC()
	return fmt.Sprintf("users/%s/%s/%s.json", evt.UserID, ts.Format("2006/01/02"), evt.MessageID)
}

// StoreEvent uploads one event as JSON. Best effort: failures are logged.
func (a *EventArchive) StoreEvent(ctx context.Context, evt WebhookEvent) {
	if !a.Enabled() {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("userID", evt.UserID).Msg("Failed to marshal event for S3 archive")
		return
	}
	key := a.eventKey(evt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("userID", evt.UserID).
			Str("key", key).
			Str("bucket", a.bucket).
			Msg("Failed to archive event to S3")
		return
	}
	log.Debug().Str("userID", evt.UserID).Str("key", key).Msg("Event archived to S3")
}

// DeleteUser purges every archived object under the user's prefix, in
// batches of 1000 (the DeleteObjects limit).
func (a *EventArchive) DeleteUser(ctx context.Context, userID string) error {
	if !a.Enabled() {
		return nil
	}

	prefix := fmt.Sprintf("users/%s/", userID)
	var toDelete []s3types.ObjectIdentifier
	var continuationToken *string

	flush := func() error {
		if len(toDelete) == 0 {
			return nil
		}
		_, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &s3types.Delete{Objects: toDelete},
		})
		toDelete = nil
		return err
	}

	for {
		output, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("failed to list archived objects for user %s: %w", userID, err)
		}

		for _, obj := range output.Contents {
			toDelete = append(toDelete, s3types.ObjectIdentifier{Key: obj.Key})
			if len(toDelete) == 1000 {
				if err := flush(); err != nil {
					return fmt.Errorf("failed to delete archived objects for user %s: %w", userID, err)
				}
			}
		}

		if output.IsTruncated != nil && *output.IsTruncated && output.NextContinuationToken != nil {
			continuationToken = output.NextContinuationToken
		} else {
			break
		}
	}

	if err := flush(); err != nil {
		return fmt.Errorf("failed to delete archived objects for user %s: %w", userID, err)
	}

	log.Info().Str("userID", userID).Msg("Archived events removed from S3")
	return nil
}
