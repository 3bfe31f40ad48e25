package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Config holds the S3-compatible object storage settings.
type Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
}

// S3Archiver writes settlement receipts to S3-compatible object storage.
type S3Archiver struct {
	client *s3.S3
	bucket string
}

// NewS3Archiver constructs an archiver from static credentials.
func NewS3Archiver(cfg Config) (*S3Archiver, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(cfg.Region),
		Endpoint:    aws.String(cfg.Endpoint),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: s3 session: %w", err)
	}
	return &S3Archiver{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

// ArchiveReceipt stores a receipt as JSON under receipts/<invoice>/<id>.json
// and returns the object key.
func (a *S3Archiver) ArchiveReceipt(ctx context.Context, invoiceID string, settlementID int64, receipt any) (string, error) {
	body, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("receipts/%s/%d.json", invoiceID, settlementID)

	_, err = a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put receipt %s: %w", key, err)
	}
	return key, nil
}
