package httpsink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// VersionHeader lets a source announce chunk versions itself. Without it the
// version is the sha256 of the chunk body.
const VersionHeader = "X-Chunk-Version"

// ErrTooLarge is returned for chunk bodies above the configured limit.
var ErrTooLarge = errors.New("chunk body exceeds size limit")

// Source reads chunks from an HTTP endpoint:
//
//	GET  {base}/chunks       JSON array of chunk ids
//	GET  {base}/chunks/{id}  raw chunk body, one record per line
//	HEAD {base}/chunks/{id}  optional version announcement
type Source struct {
	client   *resty.Client
	maxBytes int64
}

// NewSource builds a source client. maxBytes <= 0 disables the size limit.
func NewSource(baseURL string, timeout time.Duration, maxBytes int64) *Source {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &Source{client: client, maxBytes: maxBytes}
}

func chunkPath(chunkID string) string {
	return "/chunks/" + url.PathEscape(chunkID)
}

// ChunkIDs lists the chunks the source offers.
func (s *Source) ChunkIDs(ctx context.Context) ([]string, error) {
	var ids []string
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&ids).
		Get("/chunks")
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list chunks: source returned %s", resp.Status())
	}
	return ids, nil
}

// Download streams a chunk body into w and returns its size and version.
func (s *Source) Download(ctx context.Context, chunkID string, w io.Writer) (int64, string, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(chunkPath(chunkID))
	if err != nil {
		return 0, "", fmt.Errorf("download chunk %s: %w", chunkID, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return 0, "", fmt.Errorf("download chunk %s: source returned %s", chunkID, resp.Status())
	}

	hash := sha256.New()
	var r io.Reader = body
	if s.maxBytes > 0 {
		r = io.LimitReader(body, s.maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(w, hash), r)
	if err != nil {
		return n, "", fmt.Errorf("download chunk %s: %w", chunkID, err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return n, "", fmt.Errorf("chunk %s: %w (%d bytes)", chunkID, ErrTooLarge, s.maxBytes)
	}

	version := resp.Header().Get(VersionHeader)
	if version == "" {
		version = hex.EncodeToString(hash.Sum(nil))
	}
	return n, version, nil
}

// Version returns the current version of a chunk, downloading the body only
// when the source does not announce versions.
func (s *Source) Version(ctx context.Context, chunkID string) (string, error) {
	resp, err := s.client.R().SetContext(ctx).Head(chunkPath(chunkID))
	if err != nil {
		return "", fmt.Errorf("check chunk %s: %w", chunkID, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusMethodNotAllowed {
		return "", fmt.Errorf("check chunk %s: source returned %s", chunkID, resp.Status())
	}
	if v := resp.Header().Get(VersionHeader); v != "" {
		return v, nil
	}
	_, version, err := s.Download(ctx, chunkID, io.Discard)
	return version, err
}
