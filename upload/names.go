package upload

import (
	"path"
	"strings"

	"github.com/teranos/mundo/archive"
	"github.com/teranos/mundo/internal/util"
)

// SuffixLength is the length of the random suffix in stored names
const SuffixLength = 10

// CleanName drops any directory part a client sent with a filename,
// whichever separator it used.
func CleanName(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}

// SplitExt splits a client filename into base and canonical extension.
// Compound extensions (tar.gz, tar.bz2) are kept whole.
func SplitExt(name string) (base, ext string, err error) {
	name = CleanName(name)
	base, ext, err = archive.SplitExt(name)
	if err != nil {
		return "", "", invalid("unsupported archive type: %s", name)
	}
	return base, ext, nil
}

// StoredName derives a collision-resistant blob name from a client filename:
// slug(base) + "_" + random suffix + "." + extension.
func StoredName(name string) (string, error) {
	base, ext, err := SplitExt(name)
	if err != nil {
		return "", err
	}
	return util.Slug(base) + "_" + util.RandomToken(SuffixLength) + "." + ext, nil
}
