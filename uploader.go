package stowage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/stowage/stowage/hashenc"
	"github.com/stowage/stowage/manifest"
)

// UploadedPart is the receipt for one completed multipart part.
type UploadedPart struct {
	PartNumber int64
	ETag       string
	HexMD5     string
}

// uploadFile pushes one staged entry to backend storage as directed by
// the metadata service. Returns true when the service reported the
// content as already stored and no bytes were transferred.
func (p *StoragePolicy) uploadFile(ctx context.Context, artifactID string, e *manifest.Entry) (bool, error) {
	size := e.SizeOrZero()

	var parts []PartSpec
	if size >= p.opts.MultipartThreshold {
		var err error
		parts, err = filePartSpecs(e.LocalPath, uploadChunkSize(size, p.opts.ChunkSize))
		if err != nil {
			return false, fmt.Errorf("checksum parts of %s: %w", e.Path, err)
		}
	}

	plan, err := p.client.PrepareUpload(ctx, artifactID, *e, parts)
	if err != nil {
		return false, fmt.Errorf("prepare upload of %s: %w", e.Path, err)
	}
	if plan.AlreadyStored {
		p.log.Debug("content already stored, skipping upload",
			"path", e.Path, "digest", e.Digest)
		return true, nil
	}
	if plan.Multipart != nil {
		return false, p.uploadMultipart(ctx, artifactID, e, parts, plan.Multipart)
	}
	return false, p.uploadSingle(ctx, e, plan)
}

// uploadChunkSize grows the configured chunk so the part count never
// exceeds the backend's multipart part cap.
func uploadChunkSize(size, chunk int64) int64 {
	for (size+chunk-1)/chunk > maxUploadParts {
		chunk *= 2
	}
	return chunk
}

// filePartSpecs streams the staged file once, producing the per-part
// checksums the metadata service needs to plan a multipart upload.
// Part numbers start at 1.
func filePartSpecs(localPath string, chunk int64) ([]PartSpec, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var specs []PartSpec
	for num := int64(1); ; num++ {
		h := md5.New()
		n, err := io.CopyN(h, f, chunk)
		if n > 0 {
			specs = append(specs, PartSpec{
				PartNumber: num,
				HexMD5:     hex.EncodeToString(h.Sum(nil)),
				Size:       n,
			})
		}
		if err == io.EOF {
			return specs, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (p *StoragePolicy) uploadSingle(ctx context.Context, e *manifest.Entry, plan UploadPlan) error {
	headers := map[string]string{
		"Content-MD5": e.Digest,
	}
	for k, v := range plan.Headers {
		headers[k] = v
	}
	_, err := p.putWithRetry(ctx, plan.UploadURL, headers, e.SizeOrZero(), func() (io.ReadCloser, error) {
		return os.Open(e.LocalPath)
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", e.Path, err)
	}
	return nil
}

// uploadMultipart PUTs every part to its presigned URL with bounded
// parallelism, then reports the collected receipts back to the
// metadata service to finalize the object.
func (p *StoragePolicy) uploadMultipart(ctx context.Context, artifactID string, e *manifest.Entry, specs []PartSpec, plan *MultipartPlan) error {
	if len(plan.Parts) != len(specs) {
		return fmt.Errorf("upload %s: planned %d part urls for %d parts", e.Path, len(plan.Parts), len(specs))
	}
	urls := make(map[int64]string, len(plan.Parts))
	for _, pu := range plan.Parts {
		urls[pu.PartNumber] = pu.URL
	}

	done := make([]UploadedPart, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.UploadWorkers)
	var offset int64
	for i, spec := range specs {
		partOff := offset
		offset += spec.Size
		u, ok := urls[spec.PartNumber]
		if !ok {
			return fmt.Errorf("upload %s: no url for part %d", e.Path, spec.PartNumber)
		}
		g.Go(func() error {
			b64, err := hashenc.HexToB64(hashenc.HexMD5(spec.HexMD5))
			if err != nil {
				return err
			}
			etag, err := p.putWithRetry(gctx, u, map[string]string{"Content-MD5": string(b64)}, spec.Size, func() (io.ReadCloser, error) {
				return partReader(e.LocalPath, partOff, spec.Size)
			})
			if err != nil {
				return fmt.Errorf("part %d of %s: %w", spec.PartNumber, e.Path, err)
			}
			done[i] = UploadedPart{PartNumber: spec.PartNumber, ETag: etag, HexMD5: spec.HexMD5}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := p.client.CompleteMultipartUpload(ctx, artifactID, plan.UploadID, *e, done); err != nil {
		return fmt.Errorf("complete multipart upload of %s: %w", e.Path, err)
	}
	return nil
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionReadCloser) Close() error { return s.f.Close() }

// partReader opens an independent reader over one part of the staged
// file, so retries and parallel parts never share a file offset.
func partReader(localPath string, off, n int64) (io.ReadCloser, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	return &sectionReadCloser{SectionReader: io.NewSectionReader(f, off, n), f: f}, nil
}

// putWithRetry PUTs a body to a presigned URL, re-reading the body on
// each attempt and backing off on transient statuses. Returns the
// response ETag.
func (p *StoragePolicy) putWithRetry(ctx context.Context, url string, headers map[string]string, size int64, body func() (io.ReadCloser, error)) (string, error) {
	bo := newTransferBackoff(p.opts.MaxRetries)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rc, err := body()
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, rc)
		if err != nil {
			rc.Close()
			return "", err
		}
		req.ContentLength = size
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, reqErr := p.opts.HTTPClient.Do(req)
		if reqErr == nil {
			etag := resp.Header.Get("ETag")
			resp.Body.Close()
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return etag, nil
			case retryableStatus(resp.StatusCode):
				reqErr = fmt.Errorf("PUT %s: %s", url, resp.Status)
			default:
				return "", fmt.Errorf("PUT %s: unexpected status %s", url, resp.Status)
			}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return "", fmt.Errorf("upload retries exhausted: %w", reqErr)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
