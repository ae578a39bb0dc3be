package cachestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/DataDog/zstd"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
)

// RemoteCache is the mirror port a workspace can configure in addition to
// the local cache: an HTTP artifact store, reached over zstd-compressed
// transport to keep upload/download bandwidth down independent of the
// on-disk archive's own gzip encoding.
//
// Grounded on client.APIClient's retryablehttp-backed HTTP client
// (RetryWaitMin/Max, bounded RetryMax, a pluggable Backoff strategy), with
// the artifact existence probe after upload additionally wrapped in a
// cenkalti/backoff exponential retry, since an artifact store's write path
// is commonly eventually consistent and the original direct-retry loop
// doesn't cover that case.
type RemoteCache struct {
	baseURL string
	http    *retryablehttp.Client
}

// NewRemoteCache returns a RemoteCache pointed at baseURL.
func NewRemoteCache(baseURL string, logger hclog.Logger) *RemoteCache {
	return &RemoteCache{
		baseURL: baseURL,
		http: &retryablehttp.Client{
			HTTPClient:   &http.Client{Timeout: 20 * time.Second},
			RetryWaitMin: 2 * time.Second,
			RetryWaitMax: 10 * time.Second,
			RetryMax:     2,
			Backoff:      retryablehttp.DefaultBackoff,
			Logger:       logger,
		},
	}
}

// Exists probes whether an artifact for hash exists in the remote store.
func (r *RemoteCache) Exists(ctx context.Context, hash string) (bool, error) {
	req, err := retryablehttp.NewRequest(http.MethodHead, r.artifactURL(hash), nil)
	if err != nil {
		return false, err
	}
	req = req.WithContext(ctx)
	resp, err := r.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("cachestore: probing remote artifact: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Upload zstd-compresses the gzip tar archive and PUTs it to the remote
// store, then polls existence with an exponential backoff to confirm the
// write is visible before returning.
func (r *RemoteCache) Upload(ctx context.Context, hash string, gzipArchive []byte) error {
	compressed, err := zstd.Compress(nil, gzipArchive)
	if err != nil {
		return fmt.Errorf("cachestore: compressing artifact for upload: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPut, r.artifactURL(hash), bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/zstd")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("cachestore: uploading artifact: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cachestore: remote store rejected upload with status %d", resp.StatusCode)
	}

	confirm := func() error {
		ok, err := r.Exists(ctx, hash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("cachestore: artifact %s not yet visible remotely", hash)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(confirm, policy)
}

// Download fetches and decompresses an artifact, returning the gzip tar
// archive bytes ready for LocalCache.Fetch-style extraction. hit is false
// when the remote store has no artifact for hash.
func (r *RemoteCache) Download(ctx context.Context, hash string) (gzipArchive []byte, hit bool, err error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, r.artifactURL(hash), nil)
	if err != nil {
		return nil, false, err
	}
	req = req.WithContext(ctx)
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("cachestore: downloading artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("cachestore: remote store returned status %d", resp.StatusCode)
	}

	compressed, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	decompressed, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return nil, false, fmt.Errorf("cachestore: decompressing artifact: %w", err)
	}
	return decompressed, true, nil
}

func (r *RemoteCache) artifactURL(hash string) string {
	return r.baseURL + "/artifacts/" + hash
}
