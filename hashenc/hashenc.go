// Package hashenc computes content digests and converts between the
// digest encodings used by different storage backends. Owned file
// content is addressed by base64-encoded MD5; vendor object stores
// speak hex, so both encodings of the same digest bytes are supported.
package hashenc

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
)

// B64MD5 is a base64 (standard, padded) encoded MD5 digest.
type B64MD5 string

// HexMD5 is a hex encoded MD5 digest.
type HexMD5 string

const (
	// Files at or above this size are hashed in fixed-size chunks
	// instead of being loaded whole.
	streamThreshold = 64 << 20

	chunkSize = 1 << 20
)

// MD5String returns the base64 MD5 of the UTF-8 bytes of s.
func MD5String(s string) B64MD5 {
	sum := md5.Sum([]byte(s))
	return B64MD5(base64.StdEncoding.EncodeToString(sum[:]))
}

// MD5Bytes returns the base64 MD5 of b.
func MD5Bytes(b []byte) B64MD5 {
	sum := md5.Sum(b)
	return B64MD5(base64.StdEncoding.EncodeToString(sum[:]))
}

// MD5Reader hashes everything readable from r and returns the digest
// together with the number of bytes consumed.
func MD5Reader(r io.Reader) (B64MD5, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return B64MD5(base64.StdEncoding.EncodeToString(h.Sum(nil))), n, nil
}

// MD5FileWithSize returns the base64 MD5 of a single file's content
// and the file's size in bytes.
func MD5FileWithSize(path string) (B64MD5, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}

	h := md5.New()
	if info.Size() >= streamThreshold {
		buf := make([]byte, chunkSize)
		if _, err := io.CopyBuffer(h, f, buf); err != nil {
			return "", 0, err
		}
	} else {
		if _, err := io.Copy(h, f); err != nil {
			return "", 0, err
		}
	}
	return B64MD5(base64.StdEncoding.EncodeToString(h.Sum(nil))), info.Size(), nil
}

// MD5Files hashes the concatenation of the given files' contents in
// lexicographically sorted path order, so the result is independent of
// argument order.
func MD5Files(paths []string) (B64MD5, error) {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	h := md5.New()
	buf := make([]byte, chunkSize)
	for _, p := range sorted {
		f, err := os.Open(p)
		if err != nil {
			return "", err
		}
		_, err = io.CopyBuffer(h, f, buf)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", p, err)
		}
	}
	return B64MD5(base64.StdEncoding.EncodeToString(h.Sum(nil))), nil
}

// B64ToHex re-encodes a base64 digest as hex.
func B64ToHex(d B64MD5) (HexMD5, error) {
	raw, err := base64.StdEncoding.DecodeString(string(d))
	if err != nil {
		return "", fmt.Errorf("decode base64 digest %q: %w", d, err)
	}
	return HexMD5(hex.EncodeToString(raw)), nil
}

// HexToB64 re-encodes a hex digest as base64.
func HexToB64(d HexMD5) (B64MD5, error) {
	raw, err := hex.DecodeString(string(d))
	if err != nil {
		return "", fmt.Errorf("decode hex digest %q: %w", d, err)
	}
	return B64MD5(base64.StdEncoding.EncodeToString(raw)), nil
}

// ETagKey derives a cache key for reference-backed content from the
// source URL and the backend's ETag. ETags are not globally unique
// across sources, so both participate in the key.
func ETagKey(url, etag string) HexMD5 {
	sum := md5.Sum([]byte(etag + url))
	return HexMD5(hex.EncodeToString(sum[:]))
}
