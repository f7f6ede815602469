package stowage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/stowage/stowage/manifest"
)

// trackingHandler serves every URI scheme without a dedicated
// handler. It records the reference for bookkeeping but can neither
// checksum nor download it.
type trackingHandler struct {
	log *slog.Logger
}

func newTrackingHandler(log *slog.Logger) *trackingHandler {
	return &trackingHandler{log: log}
}

// CanHandle always claims the URI; the tracking handler is only ever
// consulted as the dispatcher's fallback.
func (h *trackingHandler) CanHandle(*url.URL) bool { return true }

func (h *trackingHandler) StorePath(_ context.Context, _ *Artifact, u *url.URL, opts StoreOptions) ([]manifest.Entry, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: scheme %q has no derivable name", ErrNameRequired, u.Scheme)
	}
	h.log.Warn("tracking reference of unknown scheme; it will not be checksummed or downloadable",
		"uri", u.String())
	return []manifest.Entry{{
		Path:   manifest.NormalizePath(opts.Name),
		Digest: u.String(),
		Ref:    u.String(),
	}}, nil
}

func (h *trackingHandler) LoadPath(_ context.Context, e manifest.Entry, local bool) (string, error) {
	if local {
		return "", fmt.Errorf("%w: %s is tracked but its scheme has no download support", ErrNotLoadable, e.Ref)
	}
	return e.Ref, nil
}
