package stowage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// maxURLRefreshes bounds how often one request chain will refresh an
// expired presigned URL before giving up.
const maxURLRefreshes = 3

// refreshableURL is a presigned URL shared by concurrent part
// downloads. When a worker sees the URL expire it invalidates the
// generation it was using; the next get refetches exactly once and
// every other worker reuses the fresh URL.
type refreshableURL struct {
	mu    sync.Mutex
	url   string
	gen   int
	fetch func(ctx context.Context) (string, error)
}

func newRefreshableURL(initial string, fetch func(ctx context.Context) (string, error)) *refreshableURL {
	return &refreshableURL{url: initial, fetch: fetch}
}

func (r *refreshableURL) get(ctx context.Context) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.url == "" {
		u, err := r.fetch(ctx)
		if err != nil {
			return "", 0, fmt.Errorf("refresh download url: %w", err)
		}
		r.url = u
		r.gen++
	}
	return r.url, r.gen, nil
}

// invalidate drops the URL of the given generation. Stale
// invalidations (another worker already refreshed) are ignored.
func (r *refreshableURL) invalidate(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen {
		r.url = ""
	}
}

// transferFile is the destination of a download, satisfied by
// filecache.PendingFile.
type transferFile interface {
	io.Writer
	io.WriterAt
	Truncate(size int64) error
}

// downloadToFile fetches size bytes from src into the pending cache
// file, switching to chunked multipart transfer above the threshold.
func (p *StoragePolicy) downloadToFile(ctx context.Context, src *refreshableURL, pf transferFile, size int64) error {
	if size >= p.opts.MultipartThreshold {
		return p.downloadMultipart(ctx, src, pf, size)
	}
	resp, err := p.fetchRange(ctx, src, 0, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(pf, resp.Body)
	return err
}

type writeChunk struct {
	off  int64
	data []byte
}

// downloadMultipart splits [0, size) into fixed-size parts fetched by
// a bounded worker pool via HTTP range requests. A dedicated writer
// consumes completed chunks from a bounded queue and writes each at
// its offset, so parts may arrive in any order. Any failure cancels
// all in-flight and pending work; the writer is always released by
// closing the queue.
func (p *StoragePolicy) downloadMultipart(ctx context.Context, src *refreshableURL, pf transferFile, size int64) error {
	if err := pf.Truncate(size); err != nil {
		return err
	}

	chunk := p.opts.ChunkSize
	numParts := (size + chunk - 1) / chunk

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan writeChunk, p.opts.DownloadWorkers)
	writerErr := make(chan error, 1)
	go func() {
		for c := range queue {
			if _, err := pf.WriteAt(c.data, c.off); err != nil {
				writerErr <- err
				cancel()
				// Drain so blocked senders can observe cancellation.
				for range queue {
				}
				return
			}
		}
		writerErr <- nil
	}()

	g, gctx := errgroup.WithContext(wctx)
	g.SetLimit(p.opts.DownloadWorkers)
	for i := int64(0); i < numParts; i++ {
		off := i * chunk
		length := min(chunk, size-off)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resp, err := p.fetchRange(gctx, src, off, length)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return err
			}
			if int64(len(data)) != length {
				return fmt.Errorf("range %d+%d: server returned %d bytes", off, length, len(data))
			}
			select {
			case queue <- writeChunk{off: off, data: data}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	err := g.Wait()
	close(queue)
	// A writer failure cancels the workers, so g.Wait reports the
	// cancellation rather than the cause; prefer the writer's error.
	if werr := <-writerErr; werr != nil {
		return werr
	}
	return err
}

// fetchRange issues a ranged GET against the shared URL, refreshing
// it on authorization expiry and backing off on transient transport
// failures. length 0 requests the whole object.
func (p *StoragePolicy) fetchRange(ctx context.Context, src *refreshableURL, offset, length int64) (*http.Response, error) {
	bo := newTransferBackoff(p.opts.MaxRetries)
	refreshes := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u, gen, err := src.get(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		if length > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		}

		resp, reqErr := p.opts.HTTPClient.Do(req)
		if reqErr == nil {
			switch {
			case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
				return resp, nil

			case authExpiredStatus(resp.StatusCode):
				resp.Body.Close()
				if refreshes >= maxURLRefreshes {
					return nil, fmt.Errorf("download url still expired after %d refreshes: %s", refreshes, resp.Status)
				}
				refreshes++
				src.invalidate(gen)
				continue

			case resp.StatusCode == http.StatusNotFound:
				resp.Body.Close()
				return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, u)

			case retryableStatus(resp.StatusCode):
				reqErr = fmt.Errorf("GET %s: %s", u, resp.Status)
				resp.Body.Close()

			default:
				err := fmt.Errorf("GET %s: unexpected status %s", u, resp.Status)
				resp.Body.Close()
				return nil, err
			}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, fmt.Errorf("download retries exhausted: %w", reqErr)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
