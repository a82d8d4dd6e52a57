package core

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
)

const (
	mimeZip    = "application/zip"
	mimeBinary = "application/octet-stream"
)

// Upload is a local source opened for streaming into the object store.
type Upload struct {
	Name     string
	MimeType string
	// Size is -1 for archives, whose length is only known once written.
	Size int64
	Body io.ReadCloser
}

// OpenUpload opens a single file directly. Directories and multiple paths
// are bundled into a ZIP archive that is written while it is read.
func OpenUpload(paths []ParsedPath) (*Upload, error) {
	if len(paths) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	if len(paths) == 1 && paths[0].Kind == PathFile {
		return openFile(paths[0].FullPath)
	}

	name := archiveName(paths, time.Now())
	root := ""
	if len(paths) > 1 {
		root = strings.TrimSuffix(name, ".zip")
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteArchive(pw, paths, root))
	}()

	return &Upload{Name: name, MimeType: mimeZip, Size: -1, Body: pr}, nil
}

func openFile(p string) (*Upload, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(p))
	if mimeType == "" {
		mimeType = mimeBinary
	}

	return &Upload{
		Name:     filepath.Base(p),
		MimeType: mimeType,
		Size:     info.Size(),
		Body:     f,
	}, nil
}

// archiveName is "<dir>.zip" for a single directory and a timestamped name
// otherwise.
func archiveName(paths []ParsedPath, now time.Time) string {
	if len(paths) == 1 {
		return filepath.Base(paths[0].FullPath) + ".zip"
	}
	return fmt.Sprintf("upload_%s.zip", now.Format("2006_01_02_150405"))
}

// WriteArchive writes paths into a ZIP stream, each under its base name
// inside root. Only regular files are archived; symlinks and special files
// are skipped.
func WriteArchive(w io.Writer, paths []ParsedPath, root string) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	for _, p := range paths {
		base := path.Join(root, filepath.Base(p.FullPath))

		if p.Kind == PathFile {
			if err := addFileToZip(zw, p.FullPath, base); err != nil {
				zw.Close()
				return err
			}
			continue
		}

		err := filepath.WalkDir(p.FullPath, func(src string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(p.FullPath, src)
			if err != nil {
				return err
			}
			return addFileToZip(zw, src, path.Join(base, filepath.ToSlash(rel)))
		})
		if err != nil {
			zw.Close()
			return fmt.Errorf("failed to archive %s: %w", p.FullPath, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

func addFileToZip(zw *zip.Writer, srcPath, archivePath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", srcPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = archivePath
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}

	return nil
}
