package releasestate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/renameio/v2"
	"github.com/zaproxy/release-sync/pkg/release"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FileStore keeps the snapshot in a JSON file.
type FileStore struct {
	Path string
}

func (f *FileStore) Load(_ context.Context) (*release.Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	var s release.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid snapshot %s: %w", f.Path, err)
	}
	return &s, nil
}

func (f *FileStore) Save(_ context.Context, s release.Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(f.Path, append(data, '\n'), 0o644)
}

// S3Store keeps the snapshot as an object of an S3 compatible bucket.
type S3Store struct {
	Client *s3.Client
	Bucket string
	Key    string
}

func (s *S3Store) Load(ctx context.Context) (*release.Snapshot, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.Bucket,
		Key:    &s.Key,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to get snapshot object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	var snap release.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot object %s: %w", s.Key, err)
	}
	return &snap, nil
}

func (s *S3Store) Save(ctx context.Context, snap release.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.Bucket,
		Key:         &s.Key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put snapshot object: %w", err)
	}
	return nil
}

// FirestoreStore keeps the snapshot in a single document.
type FirestoreStore struct {
	Client     *firestore.Client
	Collection string
	Document   string
}

func (f *FirestoreStore) doc() *firestore.DocumentRef {
	return f.Client.Collection(f.Collection).Doc(f.Document)
}

func (f *FirestoreStore) Load(ctx context.Context) (*release.Snapshot, error) {
	res, err := f.doc().Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	var s release.Snapshot
	if err := res.DataTo(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (f *FirestoreStore) Save(ctx context.Context, s release.Snapshot) error {
	_, err := f.doc().Set(ctx, &s)
	return err
}
