package manifest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/firefly-engineering/nest-ctl/internal/archive"
	"github.com/firefly-engineering/nest-ctl/internal/errors"
	"github.com/firefly-engineering/nest-ctl/internal/logging"
)

// File names inside a run directory.
const (
	ListFile     = "nested_list.csv"
	FailuresFile = "failures.csv"
	RunFile      = "run.toml"
	KeysDir      = "keys"
)

// TOMLWriter dumps the effective run configuration.
type TOMLWriter interface {
	WriteTOML(w io.Writer) error
}

// maxRunDirs bounds the runs that may start within the same second.
const maxRunDirs = 100

// RunDir is the output directory of one run, output/nest_<unix time>. A run
// started in the same second as an earlier one gets nest_<unix time>_<seq>.
type RunDir struct {
	Root      string
	Path      string
	Timestamp int64
	Seq       int
}

// NewRunDir creates a fresh run directory under root.
func NewRunDir(root string, now time.Time) (*RunDir, error) {
	ts := now.Unix()
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.OutputError("create output directory", err)
	}

	for seq := 0; seq < maxRunDirs; seq++ {
		path := filepath.Join(root, "nest_"+runSuffix(ts, seq))
		err := os.Mkdir(path, 0700)
		if err == nil {
			return &RunDir{Root: root, Path: path, Timestamp: ts, Seq: seq}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, errors.OutputError("create run directory", err)
		}
	}
	return nil, errors.OutputError("create run directory", fmt.Errorf("%d runs already started at %d", maxRunDirs, ts))
}

func runSuffix(ts int64, seq int) string {
	s := strconv.FormatInt(ts, 10)
	if seq > 0 {
		s += "_" + strconv.Itoa(seq)
	}
	return s
}

// ArchiveBase returns the archive path without extension, output/Nest_<unix time>.
func (d *RunDir) ArchiveBase() string {
	return filepath.Join(d.Root, "Nest_"+runSuffix(d.Timestamp, d.Seq))
}

// Writer finalizes a run into its RunDir.
type Writer struct {
	Dir      *RunDir
	KeyFiles bool

	// Package enables the archive step using Format.
	Package bool
	Format  archive.Format

	// Config, when set, is written to run.toml.
	Config TOMLWriter

	// ArchivePath is set once the archive has been written.
	ArchivePath string
}

// Finalize writes the manifest, the key files, the failure list, the run
// configuration and the archive, in that order. It stops at the first
// error; everything written before stays on disk.
func (w *Writer) Finalize(ctx context.Context, m *Manifest) error {
	if err := w.writeList(m.Records); err != nil {
		return err
	}
	if w.KeyFiles {
		if err := w.writeKeys(m.Records); err != nil {
			return err
		}
	}
	if len(m.Failures) > 0 {
		if err := w.writeFailures(m.Failures); err != nil {
			return err
		}
	}
	if w.Config != nil {
		if err := w.writeConfig(); err != nil {
			return err
		}
	}
	if w.Package {
		path, err := archive.Create(w.Dir.ArchiveBase(), w.Dir.Path, w.Format)
		if err != nil {
			return errors.OutputError("archive", err)
		}
		if err := verifyArchive(path); err != nil {
			return errors.OutputError("verify archive", err)
		}
		w.ArchivePath = path
		logging.Debug("output packaged", "archive", path, "format", w.Format)
	}
	return nil
}

// verifyArchive reads the archive back and checks that it carries the
// access list.
func verifyArchive(path string) error {
	entries, err := archive.List(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Dir && e.Name == ListFile {
			return nil
		}
	}
	return fmt.Errorf("%s does not contain %s", filepath.Base(path), ListFile)
}

func (w *Writer) writeList(records []Record) error {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.Row())
	}
	if err := writeCSV(filepath.Join(w.Dir.Path, ListFile), Header, rows); err != nil {
		return errors.OutputError("write "+ListFile, err)
	}
	return nil
}

func (w *Writer) writeFailures(failures []Failure) error {
	rows := make([][]string, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, f.Row())
	}
	if err := writeCSV(filepath.Join(w.Dir.Path, FailuresFile), FailureHeader, rows); err != nil {
		return errors.OutputError("write "+FailuresFile, err)
	}
	return nil
}

func (w *Writer) writeKeys(records []Record) error {
	dir := filepath.Join(w.Dir.Path, KeysDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.OutputError("create keys directory", err)
	}
	for _, r := range records {
		path, err := KeyPath(dir, r.ContainerName)
		if err != nil {
			return errors.OutputError("key path", err)
		}
		if err := os.WriteFile(path, r.PrivateKeyPEM, 0600); err != nil {
			return errors.OutputError("write key file", err)
		}
	}
	return nil
}

func (w *Writer) writeConfig() error {
	f, err := os.OpenFile(filepath.Join(w.Dir.Path, RunFile), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.OutputError("write "+RunFile, err)
	}
	err = w.Config.WriteTOML(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.OutputError("write "+RunFile, err)
	}
	return nil
}

// KeyPath returns the key file path for container inside dir. The name is
// resolved so it cannot escape dir.
func KeyPath(dir, container string) (string, error) {
	if container == "" {
		return "", fmt.Errorf("container name is empty")
	}
	path, err := securejoin.SecureJoin(dir, container+".pem")
	if err != nil {
		return "", err
	}
	if filepath.Dir(path) != filepath.Clean(dir) {
		return "", fmt.Errorf("invalid container name %q", container)
	}
	return path, nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
