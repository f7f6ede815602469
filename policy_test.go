package stowage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stowage/stowage/config"
	"github.com/stowage/stowage/filecache"
	"github.com/stowage/stowage/hashenc"
	"github.com/stowage/stowage/manifest"
)

const (
	helloDigest = "XUFAKrxLKna5cZ2REBfFkg=="
	helloHex    = "5d41402abc4b2a76b9719d911017c592"
)

func stagedEntry(t *testing.T, p *StoragePolicy, logicalPath, content string) *manifest.Entry {
	t.Helper()
	staged, err := p.stageData(logicalPath, []byte(content))
	require.NoError(t, err)
	e, err := manifest.NewEntry(logicalPath, string(hashenc.MD5Bytes([]byte(content))), staged, nil)
	require.NoError(t, err)
	e.BirthArtifactID = "birth-1"
	return &e
}

func TestFileURLLayouts(t *testing.T) {
	cache, err := filecache.New(t.TempDir(), filecache.Options{Logger: quietLogger()})
	require.NoError(t, err)

	e := manifest.Entry{Path: "file1.txt", Digest: helloDigest, BirthArtifactID: "birth/1"}

	v1, err := NewStoragePolicy(config.StorageConfig{
		CacheDir: cache.Root(), DataDir: t.TempDir(),
		BaseURL: "https://store.example.test", Entity: "acme", Layout: config.LayoutV1,
	}, cache, &fakeMetadataClient{}, PolicyOptions{Logger: quietLogger()})
	require.NoError(t, err)

	u, err := v1.fileURL(e)
	require.NoError(t, err)
	require.Equal(t, "https://store.example.test/artifacts/acme/"+helloHex, u)

	v2, err := NewStoragePolicy(config.StorageConfig{
		CacheDir: cache.Root(), DataDir: t.TempDir(),
		BaseURL: "https://store.example.test", Entity: "acme",
		Layout: config.LayoutV2, Region: "eu-west",
	}, cache, &fakeMetadataClient{}, PolicyOptions{Logger: quietLogger()})
	require.NoError(t, err)

	u, err = v2.fileURL(e)
	require.NoError(t, err)
	require.Equal(t, "https://store.example.test/artifactsV2/eu-west/acme/birth%2F1/"+helloHex, u)
}

func TestStoreFileSingleUpload(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotMD5, gotExtra string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		gotBody = body
		gotMD5 = r.Header.Get("Content-MD5")
		gotExtra = r.Header.Get("X-Extra")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &fakeMetadataClient{
		prepare: func(_ context.Context, _ string, _ manifest.Entry, parts []PartSpec) (UploadPlan, error) {
			require.Empty(t, parts)
			return UploadPlan{
				UploadURL: srv.URL + "/obj",
				Headers:   map[string]string{"X-Extra": "yes"},
			}, nil
		},
	}
	p := newTestPolicy(t, client, PolicyOptions{})

	e := stagedEntry(t, p, "file1.txt", "hello")
	deduped, err := p.StoreFile(context.Background(), "artifact-1", e)
	require.NoError(t, err)
	require.False(t, deduped)
	require.Equal(t, "hello", string(gotBody))
	require.Equal(t, helloDigest, gotMD5)
	require.Equal(t, "yes", gotExtra)

	// The uploaded bytes must be readable from the cache with no
	// network round trip.
	path, hit, _, err := p.Cache().CheckMD5ObjPath(helloDigest, 5)
	require.NoError(t, err)
	require.True(t, hit)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestStoreFileDeduped(t *testing.T) {
	// The default scripted plan answers AlreadyStored, so any transfer
	// attempt would fail loudly on the unroutable upload URL.
	p := newTestPolicy(t, &fakeMetadataClient{}, PolicyOptions{})

	e := stagedEntry(t, p, "file1.txt", "hello")
	deduped, err := p.StoreFile(context.Background(), "artifact-1", e)
	require.NoError(t, err)
	require.True(t, deduped)
}

func TestStoreFilesUploadsAll(t *testing.T) {
	var mu sync.Mutex
	got := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got[r.URL.Path] = string(body)
		mu.Unlock()
	}))
	defer srv.Close()

	client := &fakeMetadataClient{
		prepare: func(_ context.Context, _ string, entry manifest.Entry, _ []PartSpec) (UploadPlan, error) {
			return UploadPlan{UploadURL: srv.URL + "/" + entry.Path}, nil
		},
	}
	p := newTestPolicy(t, client, PolicyOptions{UploadWorkers: 4})

	entries := []*manifest.Entry{
		stagedEntry(t, p, "a.txt", "alpha"),
		stagedEntry(t, p, "b.txt", "bravo"),
		stagedEntry(t, p, "c.txt", "charlie"),
	}
	require.NoError(t, p.StoreFiles(context.Background(), "artifact-1", entries))
	require.Equal(t, map[string]string{
		"/a.txt": "alpha",
		"/b.txt": "bravo",
		"/c.txt": "charlie",
	}, got)
}

func TestStoreFileRequiresStagedCopy(t *testing.T) {
	p := newTestPolicy(t, &fakeMetadataClient{}, PolicyOptions{})
	e := &manifest.Entry{Path: "x", Digest: helloDigest}
	_, err := p.StoreFile(context.Background(), "artifact-1", e)
	require.Error(t, err)
}

func TestLoadFileServesFromCache(t *testing.T) {
	// Pre-populate the cache, then load with a client that cannot
	// serve URLs: a hit must not touch the network.
	p := newTestPolicy(t, &fakeMetadataClient{}, PolicyOptions{})

	_, _, open, err := p.Cache().CheckMD5ObjPath(helloDigest, 5)
	require.NoError(t, err)
	pf, err := open()
	require.NoError(t, err)
	_, err = pf.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, pf.Commit())

	size := int64(5)
	e := manifest.Entry{Path: "file1.txt", Digest: helloDigest, Size: &size, BirthArtifactID: "b1"}
	local, err := p.LoadFile(context.Background(), "artifact-1", e)
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestLoadFileDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	p := newTestPolicyAt(t, &fakeMetadataClient{}, PolicyOptions{}, srv.URL)

	size := int64(5)
	e := manifest.Entry{Path: "file1.txt", Digest: helloDigest, Size: &size, BirthArtifactID: "b1"}
	local, err := p.LoadFile(context.Background(), "artifact-1", e)
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	// Cached copy is read-only.
	info, err := os.Stat(local)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o444), info.Mode().Perm())
}
