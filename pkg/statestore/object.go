package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

// Credentials holds Cloudflare R2 authentication details.
type Credentials struct {
	AccountID       string `json:"account_id"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
}

// LoadCredentials reads and validates R2 credentials from a JSON file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials JSON: %w", err)
	}

	if err := creds.validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (c *Credentials) validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("credentials: account_id is required")
	}
	if c.AccessKeyID == "" {
		return fmt.Errorf("credentials: access_key_id is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("credentials: secret_access_key is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("credentials: bucket is required")
	}
	return nil
}

// ObjectStore keeps state as objects in an R2 bucket, so an interrupted
// migration can be resumed from a different host.
type ObjectStore struct {
	mc     *minio.Client
	bucket string
	prefix string
}

// NewObjectStore creates a store from the given credentials. Keys are placed
// under prefix so several namespaces can share one bucket.
func NewObjectStore(creds *Credentials, prefix string) (*ObjectStore, error) {
	endpoint := fmt.Sprintf("%s.r2.cloudflarestorage.com", creds.AccountID)

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Secure: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating R2 client: %w", err)
	}

	return &ObjectStore{mc: mc, bucket: creds.Bucket, prefix: prefix}, nil
}

func (s *ObjectStore) objectKey(key string) string {
	return path.Join(s.prefix, key+".json")
}

func (s *ObjectStore) Load(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.mc.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching state %q: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		// GetObject is lazy, a missing key only surfaces on read.
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading state %q: %w", key, err)
	}
	return data, nil
}

func (s *ObjectStore) Save(ctx context.Context, key string, data []byte) error {
	objKey := s.objectKey(key)
	log.Debugf("uploading state %q -> r2://%s/%s", key, s.bucket, objKey)

	_, err := s.mc.PutObject(ctx, s.bucket, objKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("uploading state %q: %w", key, err)
	}
	return nil
}

func (s *ObjectStore) Clear(ctx context.Context, key string) error {
	// S3-style removal of an absent object already succeeds quietly.
	if err := s.mc.RemoveObject(ctx, s.bucket, s.objectKey(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing state %q: %w", key, err)
	}
	return nil
}
