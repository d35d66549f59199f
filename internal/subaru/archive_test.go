package subaru

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestCompressLog_Zstd(t *testing.T) {
	data := []byte(strings.Repeat("make[2]: Entering directory '/mnt/lfs/gcc'\n", 200))

	compressed, ext, err := compressLog(data, "")
	require.NoError(t, err)
	assert.Equal(t, "zst", ext)
	assert.Less(t, len(compressed), len(data))

	zr, err := zstd.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer zr.Close()
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCompressLog_Gzip(t *testing.T) {
	data := []byte("configure: creating ./config.status\n")

	compressed, ext, err := compressLog(data, "gz")
	require.NoError(t, err)
	assert.Equal(t, "gz", ext)

	gz, err := pgzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer gz.Close()
	out, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestCompressLog_Xz(t *testing.T) {
	data := []byte("checking for gcc... gcc\n")

	compressed, ext, err := compressLog(data, "xz")
	require.NoError(t, err)
	assert.Equal(t, "xz", ext)

	xr, err := xz.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	out, err := io.ReadAll(xr)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

// TestCompressLog_UnknownFormatFallsBack verifies anything unrecognized
// lands on zstd rather than failing the archive pass.
func TestCompressLog_UnknownFormatFallsBack(t *testing.T) {
	_, ext, err := compressLog([]byte("x"), "7z")
	require.NoError(t, err)
	assert.Equal(t, "zst", ext)
}
