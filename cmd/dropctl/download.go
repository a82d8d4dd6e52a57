package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"dropzone/internal/server/database"
	"dropzone/internal/server/service"
)

// retriever is the part of the object store that get needs.
type retriever interface {
	GetMetadata(ctx context.Context, id string) (database.StoredObject, error)
	Retrieve(ctx context.Context, id, password string) (*service.Download, error)
}

// saved describes a completed download.
type saved struct {
	Path   string
	Bytes  int64
	Object database.StoredObject
}

// saveDownload writes object id to output, or to its original name in the
// working directory when output is empty. The destination is checked and a
// temp file created before the download slot is charged; the temp file is
// renamed into place only after the whole body has been copied.
func saveDownload(ctx context.Context, svc retriever, id, password, output string) (*saved, error) {
	if output == "" {
		obj, err := svc.GetMetadata(ctx, id)
		if err != nil {
			return nil, err
		}
		output = filepath.Base(obj.OriginalName)
	}

	if _, err := os.Lstat(output); err == nil {
		return nil, fmt.Errorf("output file %s already exists", output)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("check output file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(output), ".dropctl-*.part")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	d, err := svc.Retrieve(ctx, id, password)
	if err != nil {
		return nil, err
	}
	defer d.Body.Close()

	n, err := io.Copy(tmp, d.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync output file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close output file: %w", err)
	}
	if err := os.Rename(tmpPath, output); err != nil {
		return nil, fmt.Errorf("move output into place: %w", err)
	}
	committed = true

	return &saved{Path: output, Bytes: n, Object: d.Object}, nil
}
