package pathutil

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// DataDir is the directory name under each device that holds container DBs.
const DataDir = "containers"

// SplitPath splits a URL path of the form /seg1/seg2/... into between
// minsegs and maxsegs segments. When restWithLast is true the final
// segment is the remainder of the path and may itself contain slashes
// (object names). Missing optional segments are returned as "".
func SplitPath(path string, minsegs, maxsegs int, restWithLast bool) ([]string, error) {
	invalid := fmt.Errorf("invalid path: %s", path)
	if !strings.HasPrefix(path, "/") {
		return nil, invalid
	}
	trimmed := path[1:]
	var segs []string
	if restWithLast {
		segs = strings.SplitN(trimmed, "/", maxsegs)
	} else {
		segs = strings.SplitN(trimmed, "/", maxsegs+1)
		if len(segs) > maxsegs {
			return nil, invalid
		}
	}
	if len(segs) < minsegs {
		return nil, invalid
	}
	for _, s := range segs {
		if s == "" {
			return nil, invalid
		}
	}
	out := make([]string, maxsegs)
	copy(out, segs)
	return out, nil
}

// HashPath returns the stable 32-hex-char hash for (account, container).
// The layout on disk is purely a function of this value.
func HashPath(account, container string) string {
	sum := md5.Sum([]byte(account + "/" + container))
	return hex.EncodeToString(sum[:])
}

// StorageDirectory maps a partition and hash to the directory that holds
// the container DB: <datadir>/<partition>/<last 3 of hash>/<hash>.
func StorageDirectory(datadir, partition, hash string) string {
	return filepath.Join(datadir, partition, hash[len(hash)-3:], hash)
}

// DBPath returns the full path of the container DB file for
// (account, container) on the given device and partition.
func DBPath(root, drive, partition, account, container string) string {
	hash := HashPath(account, container)
	return filepath.Join(root, drive, StorageDirectory(DataDir, partition, hash), hash+".db")
}
