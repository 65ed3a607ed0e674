// Package archive extracts uploaded world archives and packs processed
// worlds back into zip files.
//
// Extraction is delegated to go-getter's decompressors, which already
// reject path traversal and enforce file count and size limits. Creation
// uses klauspost/compress's zip writer.
package archive

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	getter "github.com/hashicorp/go-getter"
	"github.com/klauspost/compress/zip"

	"github.com/teranos/mundo/errors"
)

// Format is a supported container format, named by its canonical extension
type Format string

const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarBz2 Format = "tar.bz2"
)

// ErrUnsupportedFormat is returned for names without a known archive extension
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// suffixes maps extensions to formats. Compound extensions come first so
// "world.tar.gz" is never mistaken for a gzip of "world.tar".
var suffixes = []struct {
	ext    string
	format Format
}{
	{".tar.gz", FormatTarGz},
	{".tar.bz2", FormatTarBz2},
	{".tgz", FormatTarGz},
	{".tbz2", FormatTarBz2},
	{".tar", FormatTar},
	{".zip", FormatZip},
}

// DetectFormat returns the archive format implied by name's extension
func DetectFormat(name string) (Format, error) {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.ext) && len(lower) > len(s.ext) {
			return s.format, nil
		}
	}
	return "", errors.WithDetailf(ErrUnsupportedFormat, "name: %s", name)
}

// SplitExt splits name into base and canonical extension (without the dot).
// ".tgz" and ".tbz2" normalize to "tar.gz" and "tar.bz2".
func SplitExt(name string) (base string, ext string, err error) {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.ext) && len(lower) > len(s.ext) {
			return name[:len(name)-len(s.ext)], string(s.format), nil
		}
	}
	return "", "", errors.WithDetailf(ErrUnsupportedFormat, "name: %s", name)
}

// Limits bounds what an extraction may produce. Zero means unlimited.
type Limits struct {
	MaxFiles    int
	MaxFileSize int64
}

const extractUmask = 0o022

func decompressor(format Format, limits Limits) getter.Decompressor {
	switch format {
	case FormatZip:
		return &getter.ZipDecompressor{FilesLimit: limits.MaxFiles, FileSizeLimit: limits.MaxFileSize}
	case FormatTar:
		return &getter.TarDecompressor{FilesLimit: limits.MaxFiles, FileSizeLimit: limits.MaxFileSize}
	case FormatTarGz:
		return &getter.TarGzipDecompressor{FilesLimit: limits.MaxFiles, FileSizeLimit: limits.MaxFileSize}
	case FormatTarBz2:
		return &getter.TarBzip2Decompressor{FilesLimit: limits.MaxFiles, FileSizeLimit: limits.MaxFileSize}
	}
	return nil
}

// Extract unpacks the archive at src into the directory dst, choosing the
// codec from src's extension. dst is created if missing.
func Extract(src, dst string, limits Limits) error {
	format, err := DetectFormat(src)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return errors.Wrapf(err, "archive %s is not readable", filepath.Base(src))
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return errors.Wrapf(err, "failed to create extraction directory %s", dst)
	}

	if err := decompressor(format, limits).Decompress(dst, src, true, extractUmask); err != nil {
		return errors.Wrapf(err, "failed to extract %s as %s", filepath.Base(src), format)
	}
	return nil
}

// cleanRoot confines a root folder name to the archive: separators are
// normalized and ".." segments cannot climb above the top level.
func cleanRoot(rootName string) string {
	rootName = strings.ReplaceAll(filepath.ToSlash(rootName), "\\", "/")
	return strings.Trim(path.Clean("/"+rootName), "/")
}

// Create zips the contents of srcDir into dstPath, placing every entry
// under rootName/ inside the archive. The archive is written to a
// temporary file first and renamed into place. Returns the archive size.
func Create(srcDir, dstPath, rootName string) (int64, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return 0, errors.Wrapf(err, "source directory %s is not readable", srcDir)
	}
	if !info.IsDir() {
		return 0, errors.Newf("source %s is not a directory", srcDir)
	}
	rootName = cleanRoot(rootName)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return 0, errors.Wrapf(err, "failed to create directory for %s", dstPath)
	}
	tmp := dstPath + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %s", tmp)
	}

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == "." {
			name = ""
		}
		if rootName != "" {
			name = path.Join(rootName, name)
		}
		if name == "" {
			return nil
		}
		return addEntry(zw, p, name, d)
	})

	closeErr := zw.Close()
	if walkErr == nil {
		walkErr = closeErr
	}
	if syncErr := out.Sync(); walkErr == nil {
		walkErr = syncErr
	}
	if err := out.Close(); walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		os.Remove(tmp)
		return 0, errors.Wrapf(walkErr, "failed to archive %s", srcDir)
	}

	if err := os.Rename(tmp, dstPath); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrapf(err, "failed to move archive into place at %s", dstPath)
	}

	st, err := os.Stat(dstPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to stat %s", dstPath)
	}
	return st.Size(), nil
}

func addEntry(zw *zip.Writer, osPath, name string, d fs.DirEntry) error {
	fi, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	hdr.Name = name

	if d.IsDir() {
		hdr.Name += "/"
		hdr.Method = zip.Store
		_, err := zw.CreateHeader(hdr)
		return err
	}
	if !fi.Mode().IsRegular() {
		// symlinks and devices from the transform are not shipped
		return nil
	}

	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(osPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// List returns the entry names of a zip archive in stored order
func List(zipPath string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", zipPath)
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}
