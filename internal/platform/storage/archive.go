package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultDownloadExpiry = 5 * time.Minute
	maxDownloadExpiry     = 15 * time.Minute
)

var (
	errInvalidBucket  = errors.New("storage: bucket name is required")
	errExpiryTooLong  = errors.New("storage: expiry exceeds permitted maximum")
	errObjectExists   = errors.New("storage: object already exists")
	errEmptyPayload   = errors.New("storage: payload is empty")
	errArchiveMissing = errors.New("storage: webhook archive not initialised")
)

type objectStore interface {
	CreateIfAbsent(ctx context.Context, bucket, object string, data []byte, metadata map[string]string) error
	SignedURL(bucket, object string, opts *gcs.SignedURLOptions) (string, error)
}

type gcsObjectStore struct {
	client *gcs.Client
}

func (s gcsObjectStore) CreateIfAbsent(ctx context.Context, bucket, object string, data []byte, metadata map[string]string) error {
	w := s.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = metadata
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return classifyWriteError(err)
	}
	return classifyWriteError(w.Close())
}

func (s gcsObjectStore) SignedURL(bucket, object string, opts *gcs.SignedURLOptions) (string, error) {
	return s.client.Bucket(bucket).SignedURL(object, opts)
}

func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return errObjectExists
	}
	if status.Code(err) == codes.FailedPrecondition {
		return errObjectExists
	}
	return err
}

// WebhookArchive keeps a copy of every verified processor payload in Cloud Storage. Objects are
// written once: a redelivery of the same event leaves the first copy untouched.
type WebhookArchive struct {
	store  objectStore
	bucket string
	now    func() time.Time
}

// ArchiveOption customises WebhookArchive.
type ArchiveOption func(*WebhookArchive)

// WithClock injects a clock used for signed URL expiry.
func WithClock(clock func() time.Time) ArchiveOption {
	return func(a *WebhookArchive) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewWebhookArchive constructs an archive writing to bucket.
func NewWebhookArchive(client *gcs.Client, bucket string, opts ...ArchiveOption) (*WebhookArchive, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return newWebhookArchive(gcsObjectStore{client: client}, bucket, opts...)
}

func newWebhookArchive(store objectStore, bucket string, opts ...ArchiveOption) (*WebhookArchive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	a := &WebhookArchive{store: store, bucket: bucket, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Bucket reports the bucket the archive writes to.
func (a *WebhookArchive) Bucket() string {
	if a == nil {
		return ""
	}
	return a.bucket
}

// Archive implements services.WebhookArchive.
func (a *WebhookArchive) Archive(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) error {
	if a == nil || a.store == nil {
		return errArchiveMissing
	}
	if len(payload) == 0 {
		return errEmptyPayload
	}
	object, err := WebhookObjectPath(eventID, receivedAt)
	if err != nil {
		return err
	}
	metadata := map[string]string{
		"eventId":    strings.TrimSpace(eventID),
		"receivedAt": receivedAt.UTC().Format(time.RFC3339Nano),
	}
	err = a.store.CreateIfAbsent(ctx, a.bucket, object, payload, metadata)
	if errors.Is(err, errObjectExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: archive webhook %s: %w", eventID, err)
	}
	return nil
}

// SignedURL is a time-limited link to an archived object.
type SignedURL struct {
	URL       string
	Object    string
	ExpiresAt time.Time
}

// DownloadURL signs a GET link to the payload archived for eventID on the UTC day receivedOn.
// expiresIn defaults to five minutes and may not exceed fifteen.
func (a *WebhookArchive) DownloadURL(ctx context.Context, eventID string, receivedOn time.Time, expiresIn time.Duration) (SignedURL, error) {
	if a == nil || a.store == nil {
		return SignedURL{}, errArchiveMissing
	}
	if err := ctx.Err(); err != nil {
		return SignedURL{}, err
	}
	if expiresIn <= 0 {
		expiresIn = defaultDownloadExpiry
	}
	if expiresIn > maxDownloadExpiry {
		return SignedURL{}, errExpiryTooLong
	}
	object, err := WebhookObjectPath(eventID, receivedOn)
	if err != nil {
		return SignedURL{}, err
	}

	expiresAt := a.now().UTC().Add(expiresIn)
	url, err := a.store.SignedURL(a.bucket, object, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: expiresAt,
	})
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURL{URL: url, Object: object, ExpiresAt: expiresAt}, nil
}
