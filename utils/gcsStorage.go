package utils

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// ParseGCSObjectURL accepts gs://bucket/object and https://storage.googleapis.com/bucket/object.
func ParseGCSObjectURL(raw string) (bucket, object string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	var path string
	switch {
	case u.Scheme == "gs":
		bucket = u.Host
		path = strings.TrimPrefix(u.Path, "/")
		object = path
	case u.Scheme == "https" && u.Host == "storage.googleapis.com":
		path = strings.TrimPrefix(u.Path, "/")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) == 2 {
			bucket, object = parts[0], parts[1]
		}
	default:
		return "", "", fmt.Errorf("not a cloud storage url: %s", raw)
	}
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("incomplete cloud storage url: %s", raw)
	}
	return bucket, object, nil
}

// GCSObjectChecker confirms that attached documents point at stored objects.
type GCSObjectChecker struct{}

// ObjectExists reports whether the object behind rawURL exists. URLs outside
// cloud storage are not checked.
func (GCSObjectChecker) ObjectExists(ctx context.Context, rawURL string) (bool, error) {
	bucket, object, err := ParseGCSObjectURL(rawURL)
	if err != nil {
		return true, nil
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()

	_, err = client.Bucket(bucket).Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UploadBytesToGCS writes data to GCS_BUCKET and returns the gs:// url.
func UploadBytesToGCS(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return "", errors.New("GCS_BUCKET is required")
	}
	client, err := getGoogleClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		return "", fmt.Errorf("failed to upload bytes to Google Cloud Storage: %v", err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %v", err)
	}
	return fmt.Sprintf("gs://%s/%s", bucketName, objectName), nil
}
