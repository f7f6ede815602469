package stowage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/manifest"
)

func TestFilePartSpecs(t *testing.T) {
	content := randomContent(t, 250)
	p := newTestPolicy(t, &fakeMetadataClient{}, PolicyOptions{})
	staged, err := p.stageData("blob.bin", content)
	require.NoError(t, err)

	specs, err := filePartSpecs(staged, 100)
	require.NoError(t, err)
	require.Len(t, specs, 3)

	var total int64
	for i, spec := range specs {
		require.Equal(t, int64(i+1), spec.PartNumber)
		lo := int64(i) * 100
		hi := min(lo+100, int64(len(content)))
		sum := md5.Sum(content[lo:hi])
		require.Equal(t, hex.EncodeToString(sum[:]), spec.HexMD5)
		require.Equal(t, hi-lo, spec.Size)
		total += spec.Size
	}
	require.Equal(t, int64(len(content)), total)
}

func TestUploadChunkSize(t *testing.T) {
	// Small content keeps the configured chunk.
	require.Equal(t, int64(100), uploadChunkSize(5_000, 100))
	// The chunk doubles until the part count fits under the cap.
	require.Equal(t, int64(200), uploadChunkSize(100*maxUploadParts+1, 100))
	require.Equal(t, int64(400), uploadChunkSize(350*maxUploadParts, 100))
}

func TestStoreFileMultipartUpload(t *testing.T) {
	content := randomContent(t, 250)

	var mu sync.Mutex
	parts := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		parts[r.URL.Path] = body
		mu.Unlock()
		w.Header().Set("ETag", `"etag-`+r.URL.Path[len("/part/"):]+`"`)
	}))
	defer srv.Close()

	client := &fakeMetadataClient{
		prepare: func(_ context.Context, _ string, _ manifest.Entry, specs []PartSpec) (UploadPlan, error) {
			require.Len(t, specs, 3)
			urls := make([]PartURL, len(specs))
			for i, s := range specs {
				urls[i] = PartURL{
					PartNumber: s.PartNumber,
					URL:        fmt.Sprintf("%s/part/%d", srv.URL, s.PartNumber),
				}
			}
			return UploadPlan{Multipart: &MultipartPlan{
				UploadID:  "upload-7",
				Parts:     urls,
				ChunkSize: 100,
			}}, nil
		},
	}
	p := newTestPolicy(t, client, PolicyOptions{
		MultipartThreshold: 200,
		ChunkSize:          100,
		UploadWorkers:      2,
	})

	staged, err := p.stageData("blob.bin", content)
	require.NoError(t, err)
	e, err := manifest.NewEntry("blob.bin", entryFor(content).Digest, staged, nil)
	require.NoError(t, err)

	deduped, err := p.StoreFile(context.Background(), "artifact-1", &e)
	require.NoError(t, err)
	require.False(t, deduped)

	// Every part carried the right slice of the file.
	require.True(t, bytes.Equal(content[:100], parts["/part/1"]))
	require.True(t, bytes.Equal(content[100:200], parts["/part/2"]))
	require.True(t, bytes.Equal(content[200:], parts["/part/3"]))

	// The finalize call carries the receipts in part order.
	require.Len(t, client.completed, 1)
	done := client.completed[0]
	require.Equal(t, "upload-7", done.uploadID)
	require.Len(t, done.parts, 3)
	for i, part := range done.parts {
		require.Equal(t, int64(i+1), part.PartNumber)
		require.Equal(t, fmt.Sprintf(`"etag-%d"`, i+1), part.ETag)
		sum := md5.Sum(content[i*100 : min((i+1)*100, len(content))])
		require.Equal(t, hex.EncodeToString(sum[:]), part.HexMD5)
	}
}

func TestUploadSingleRetriesTransientStatus(t *testing.T) {
	var attempts int
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		got, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	client := &fakeMetadataClient{
		prepare: func(context.Context, string, manifest.Entry, []PartSpec) (UploadPlan, error) {
			return UploadPlan{UploadURL: srv.URL + "/obj"}, nil
		},
	}
	p := newTestPolicy(t, client, PolicyOptions{MaxRetries: 3})

	e := stagedEntry(t, p, "file1.txt", "hello")
	_, err := p.StoreFile(context.Background(), "artifact-1", e)
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	// The body was re-read from the staged file for the retry.
	require.Equal(t, "hello", string(got))
}

func TestUploadSinglePermanentStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := &fakeMetadataClient{
		prepare: func(context.Context, string, manifest.Entry, []PartSpec) (UploadPlan, error) {
			return UploadPlan{UploadURL: srv.URL + "/obj"}, nil
		},
	}
	p := newTestPolicy(t, client, PolicyOptions{MaxRetries: 2})

	e := stagedEntry(t, p, "file1.txt", "hello")
	_, err := p.StoreFile(context.Background(), "artifact-1", e)
	require.Error(t, err)
}
