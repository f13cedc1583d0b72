// Package archive packages a run's output directory into a single file.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Format is an archive format name.
type Format string

const (
	Tar    Format = "tar"
	Zip    Format = "zip"
	GzTar  Format = "gztar"
	BzTar  Format = "bztar"
	XzTar  Format = "xztar"
	ZstTar Format = "zsttar"
	Lz4Tar Format = "lz4tar"
)

var extensions = map[Format]string{
	Tar:    ".tar",
	Zip:    ".zip",
	GzTar:  ".tar.gz",
	BzTar:  ".tar.bz2",
	XzTar:  ".tar.xz",
	ZstTar: ".tar.zst",
	Lz4Tar: ".tar.lz4",
}

// Formats returns the supported formats in a stable order.
func Formats() []Format {
	formats := make([]Format, 0, len(extensions))
	for f := range extensions {
		formats = append(formats, f)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	return formats
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := extensions[f]; !ok {
		names := make([]string, 0, len(extensions))
		for _, f := range Formats() {
			names = append(names, string(f))
		}
		return "", fmt.Errorf("unsupported package format %q (use one of %s)", s, strings.Join(names, ", "))
	}
	return f, nil
}

// Extension returns the file extension for f, including the leading dot.
func (f Format) Extension() string {
	return extensions[f]
}

// Create archives the contents of srcDir into base + format extension and
// returns the path written. Entry names are relative to srcDir.
func Create(base, srcDir string, format Format) (string, error) {
	ext, ok := extensions[format]
	if !ok {
		return "", fmt.Errorf("unsupported package format %q", format)
	}
	dst := base + ext

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	if format == Zip {
		err = writeZip(out, srcDir)
	} else {
		err = writeCompressedTar(out, srcDir, format)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to write %s archive: %w", format, err)
	}
	return dst, nil
}

func compressor(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case Tar:
		return nopCloser{w}, nil
	case GzTar:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	case BzTar:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	case XzTar:
		return xz.NewWriter(w)
	case ZstTar:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case Lz4Tar:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported package format %q", format)
	}
}

func writeCompressedTar(w io.Writer, srcDir string, format Format) error {
	cw, err := compressor(w, format)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	err = walk(srcDir, func(name, path string, info fs.FileInfo) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return copyFile(tw, path)
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return cw.Close()
}

func writeZip(w io.Writer, srcDir string) error {
	zw := zip.NewWriter(w)

	err := walk(srcDir, func(name, path string, info fs.FileInfo) error {
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		} else {
			hdr.Method = zip.Deflate
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return copyFile(fw, path)
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

// walk visits regular files and directories under root in lexical order,
// with slash-separated names relative to root. Symlinks are skipped.
func walk(root string, fn func(name, path string, info fs.FileInfo) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		return fn(filepath.ToSlash(rel), path, info)
	})
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
