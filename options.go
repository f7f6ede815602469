package stowage

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultMaxObjects caps how many objects a single prefix
	// reference may expand into.
	DefaultMaxObjects = 10_000

	// DefaultMultipartThreshold is the content size above which
	// uploads and downloads switch to chunked multipart transfer.
	DefaultMultipartThreshold = 2 << 30

	// DefaultChunkSize is the multipart part size. For very large
	// content the chunk grows so the part count never exceeds
	// maxUploadParts.
	DefaultChunkSize = 100 << 20

	maxUploadParts = 10_000
)

// PolicyOptions configure a StoragePolicy.
type PolicyOptions struct {
	// HTTPClient performs presigned-URL transfers. It is expected to
	// carry the bearer credential; defaults to a client with a
	// 90-second request timeout.
	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics *TransferMetrics

	// DownloadWorkers bounds part-download fan-out (default 16).
	DownloadWorkers int

	// UploadWorkers bounds parallel file uploads at commit (default 8).
	UploadWorkers int

	// MaxRetries bounds backoff attempts per transport call (default 5).
	MaxRetries uint64

	// MultipartThreshold and ChunkSize override the transfer
	// chunking defaults, mainly for tests.
	MultipartThreshold int64
	ChunkSize          int64

	// MaxObjects caps prefix-reference expansion (default 10000).
	MaxObjects int

	// ResolvedManifestCacheSize bounds the in-memory cache of
	// upstream artifact manifests used when resolving
	// artifact-to-artifact references (default 64 MiB of cost).
	ResolvedManifestCacheSize int64
}

func DefaultPolicyOptions() PolicyOptions {
	return PolicyOptions{
		HTTPClient:                &http.Client{Timeout: 90 * time.Second},
		DownloadWorkers:           16,
		UploadWorkers:             8,
		MaxRetries:                5,
		MultipartThreshold:        DefaultMultipartThreshold,
		ChunkSize:                 DefaultChunkSize,
		MaxObjects:                DefaultMaxObjects,
		ResolvedManifestCacheSize: 64 << 20,
	}
}

// StoreOptions control how a reference URI is stored into manifest
// entries.
type StoreOptions struct {
	// Name overrides the logical path derived from the URI. Required
	// for schemes with no derivable name.
	Name string

	// SkipChecksum records the reference without fetching or
	// computing content checksums. Such entries are not
	// integrity-checked.
	SkipChecksum bool

	// MaxObjects caps prefix expansion for this call; zero uses the
	// policy default.
	MaxObjects int
}

// DownloadOptions control bulk artifact download.
type DownloadOptions struct {
	// SkipMissing turns missing-reference errors into warnings
	// instead of aborting the download.
	SkipMissing bool
}
