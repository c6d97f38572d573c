package sesan

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	cargaDefaultBucket  = "mis-expedientes"
	cargaPrefix         = "sesan/cargas/"
	cargaDefaultRegion  = "us-east-1"
	cargaDefaultBaseURL = "https://mis-expedientes.s3.us-east-1.amazonaws.com/"
)

func cargaBucket() string {
	if b := strings.TrimSpace(os.Getenv("SESAN_S3_BUCKET")); b != "" {
		return b
	}
	return cargaDefaultBucket
}

func cargaRegion() string {
	if r := strings.TrimSpace(os.Getenv("SESAN_S3_REGION")); r != "" {
		return r
	}
	return cargaDefaultRegion
}

func cargaBaseURL() string {
	if u := strings.TrimSpace(os.Getenv("SESAN_S3_BASE_URL")); u != "" {
		return strings.TrimSuffix(u, "/") + "/"
	}
	return cargaDefaultBaseURL
}

// isArchiveEnabled reads SESAN_S3_ENABLED to decide whether original upload
// files are archived to S3. Defaults to false when unset: local and test runs
// should not need AWS credentials.
func isArchiveEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("SESAN_S3_ENABLED")))
	return v == "1" || v == "true" || v == "yes"
}

func computeSHA256(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func sanitizePathSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "desconocido"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "_", "\\", "_")
	return replacer.Replace(s)
}

func buildCargaS3Key(anio int, fileHash, fileExt string) string {
	ext := strings.TrimSpace(fileExt)
	if ext == "" {
		ext = ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s%d/%s%s", cargaPrefix, anio, fileHash, ext)
}

func detectContentType(data []byte) string {
	if len(data) == 0 {
		return "application/octet-stream"
	}
	if len(data) > 512 {
		return http.DetectContentType(data[:512])
	}
	return http.DetectContentType(data)
}

// uploadCargaToS3 archives the original upload bytes and returns the public
// URL of the stored object.
func uploadCargaToS3(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	bucket := cargaBucket()
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cargaRegion()))
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3 (bucket %s, key %s): %w", bucket, key, err)
	}
	return cargaBaseURL() + key, nil
}
