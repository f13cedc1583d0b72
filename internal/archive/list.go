package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// FormatOf returns the format matching the extension of path.
func FormatOf(path string) (Format, bool) {
	var (
		best    Format
		bestLen int
	)
	for f, ext := range extensions {
		if strings.HasSuffix(path, ext) && len(ext) > bestLen {
			best, bestLen = f, len(ext)
		}
	}
	return best, bestLen > 0
}

// Entry is one file or directory in an archive.
type Entry struct {
	Name string
	Size int64
	Dir  bool
}

// List returns the entries of the archive at path.
func List(path string) ([]Entry, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, fmt.Errorf("unknown archive extension: %s", path)
	}
	if format == Zip {
		return listZip(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, closeFn, err := decompressor(f, format)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var entries []Entry
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		entries = append(entries, Entry{
			Name: strings.TrimSuffix(hdr.Name, "/"),
			Size: hdr.Size,
			Dir:  hdr.Typeflag == tar.TypeDir,
		})
	}
}

// Open returns a reader for the tar stream inside a tar-based archive.
func Open(path string) (*tar.Reader, io.Closer, error) {
	format, ok := FormatOf(path)
	if !ok || format == Zip {
		return nil, nil, fmt.Errorf("not a tar archive: %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	r, closeFn, err := decompressor(f, format)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return tar.NewReader(r), closerFunc(func() error {
		closeFn()
		return f.Close()
	}), nil
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }

func decompressor(r io.Reader, format Format) (io.Reader, func(), error) {
	noop := func() {}
	switch format {
	case Tar:
		return r, noop, nil
	case GzTar:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	case BzTar:
		br, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, nil, err
		}
		return br, func() { br.Close() }, nil
	case XzTar:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return xr, noop, nil
	case ZstTar:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case Lz4Tar:
		return lz4.NewReader(r), noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported package format %q", format)
	}
}

func listZip(path string) ([]Entry, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer zr.Close()

	entries := make([]Entry, 0, len(zr.File))
	for _, f := range zr.File {
		entries = append(entries, Entry{
			Name: strings.TrimSuffix(f.Name, "/"),
			Size: int64(f.UncompressedSize64),
			Dir:  f.FileInfo().IsDir(),
		})
	}
	return entries, nil
}
