package world

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/pulse/async"
)

// MarkerFile identifies the root directory of a world save
const MarkerFile = "level.dat"

// ignoredDirs are archive-tool artifacts that never hold a world
var ignoredDirs = map[string]bool{
	"__MACOSX": true,
}

// ignoredDir reports whether a top-level directory is skipped during lookup.
// Hidden directories (.git, .Trash) are skipped along with ignoredDirs.
func ignoredDir(name string) bool {
	return ignoredDirs[name] || strings.HasPrefix(name, ".")
}

// FindContentRoot locates the world inside an extraction directory.
// Lookup order:
//  1. the marker at the extraction root;
//  2. when the root holds exactly one directory, the marker inside it;
//  3. the first top-level directory (by name) that holds the marker.
func FindContentRoot(extractDir string) (string, error) {
	if hasMarker(extractDir) {
		return extractDir, nil
	}

	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "failed to read %s", extractDir), async.ErrContentNotFound)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !ignoredDir(e.Name()) {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	if len(dirs) == 1 {
		candidate := filepath.Join(extractDir, dirs[0])
		if hasMarker(candidate) {
			return candidate, nil
		}
	}

	for _, name := range dirs {
		candidate := filepath.Join(extractDir, name)
		if hasMarker(candidate) {
			return candidate, nil
		}
	}

	err = errors.Newf("no directory containing %s found in the archive", MarkerFile)
	return "", errors.Mark(err, async.ErrContentNotFound)
}

func hasMarker(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, MarkerFile))
	return err == nil && info.Mode().IsRegular()
}
