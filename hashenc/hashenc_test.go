package hashenc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMD5String(t *testing.T) {
	require.Equal(t, B64MD5("XUFAKrxLKna5cZ2REBfFkg=="), MD5String("hello"))
	require.Equal(t, B64MD5("1B2M2Y8AsgTpgAmY7PhCfg=="), MD5String(""))
}

func TestMD5Reader(t *testing.T) {
	d, n, err := MD5Reader(strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.Equal(t, MD5String("hello"), d)
}

func TestMD5FileWithSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	d, size, err := MD5FileWithSize(path)
	require.NoError(t, err)
	require.Equal(t, int64(5), size)
	require.Equal(t, B64MD5("XUFAKrxLKna5cZ2REBfFkg=="), d)
}

func TestMD5FileMissing(t *testing.T) {
	_, _, err := MD5FileWithSize(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestMD5FilesOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("first"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("second"), 0o644))

	d1, err := MD5Files([]string{a, b})
	require.NoError(t, err)
	d2, err := MD5Files([]string{b, a})
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	// Content changes must change the digest.
	require.NoError(t, os.WriteFile(b, []byte("second!"), 0o644))
	d3, err := MD5Files([]string{a, b})
	require.NoError(t, err)
	require.NotEqual(t, d1, d3)
}

func TestB64HexRoundTrip(t *testing.T) {
	b64 := MD5String("hello")
	hexd, err := B64ToHex(b64)
	require.NoError(t, err)
	require.Equal(t, HexMD5("5d41402abc4b2a76b9719d911017c592"), hexd)

	back, err := HexToB64(hexd)
	require.NoError(t, err)
	require.Equal(t, b64, back)
}

func TestB64ToHexInvalid(t *testing.T) {
	_, err := B64ToHex("not base64!!!")
	require.Error(t, err)
}

func TestETagKeyDistinguishesSources(t *testing.T) {
	k1 := ETagKey("https://a.example/obj", `"abc"`)
	k2 := ETagKey("https://b.example/obj", `"abc"`)
	require.NotEqual(t, k1, k2)
	require.Equal(t, k1, ETagKey("https://a.example/obj", `"abc"`))
}
