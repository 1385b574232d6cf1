package pathutil

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPath_Container(t *testing.T) {
	segs, err := SplitPath("/sda/0/acct/cont", 4, 5, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"sda", "0", "acct", "cont", ""}, segs)
}

func TestSplitPath_Object(t *testing.T) {
	segs, err := SplitPath("/sda/0/acct/cont/obj", 4, 5, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"sda", "0", "acct", "cont", "obj"}, segs)
}

func TestSplitPath_ObjectWithSlashes(t *testing.T) {
	segs, err := SplitPath("/sda/0/acct/cont/dir/sub/obj", 4, 5, true)
	require.NoError(t, err)
	assert.Equal(t, "dir/sub/obj", segs[4], "object names keep their slashes")
}

func TestSplitPath_Invalid(t *testing.T) {
	for _, path := range []string{
		"",
		"sda/0/acct/cont",
		"/sda/0/acct",
		"/sda//acct/cont",
		"/sda/0/acct/",
	} {
		_, err := SplitPath(path, 4, 5, true)
		assert.Error(t, err, "path %q", path)
	}
}

func TestSplitPath_Exact(t *testing.T) {
	segs, err := SplitPath("/sda/0/hash", 3, 3, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"sda", "0", "hash"}, segs)

	_, err = SplitPath("/sda/0/hash/extra", 3, 3, false)
	assert.Error(t, err, "surplus segments are rejected when restWithLast is off")
}

func TestHashPath(t *testing.T) {
	h := HashPath("acct", "cont")
	assert.Len(t, h, 32)
	assert.Equal(t, h, HashPath("acct", "cont"), "stable")
	assert.NotEqual(t, h, HashPath("acct", "other"))
	assert.NotEqual(t, HashPath("a", "b/c"), HashPath("a/b", "c"))
}

func TestStorageDirectory(t *testing.T) {
	hash := HashPath("acct", "cont")
	dir := StorageDirectory(DataDir, "123", hash)
	assert.Equal(t, filepath.Join("containers", "123", hash[29:], hash), dir)
}

func TestDBPath(t *testing.T) {
	hash := HashPath("acct", "cont")
	path := DBPath("/srv/node", "sda", "0", "acct", "cont")
	assert.True(t, strings.HasPrefix(path, filepath.Join("/srv/node", "sda", "containers", "0")))
	assert.True(t, strings.HasSuffix(path, hash+".db"))
}
