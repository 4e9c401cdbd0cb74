package compute

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

type deployStaticFilesParams struct {
	Path string `json:"path"`
}

// deployStaticFiles packages a directory into a gzipped tarball and hands it
// to the injected deployment collaborator.
func (s *Server) deployStaticFiles(ctx context.Context, payload json.RawMessage) (any, error) {
	var params deployStaticFilesParams
	if err := decodeParams(payload, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if s.opts.CreateDeployment == nil {
		return nil, fmt.Errorf("deployments are not configured for this server")
	}

	info, err := os.Stat(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", params.Path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", params.Path)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeArchive(pw, params.Path))
	}()

	result, err := s.opts.CreateDeployment(ctx, filepath.Base(params.Path), pr)
	pr.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}
	return result, nil
}

// writeArchive streams a tar.gz of dir to w. Paths inside the archive are
// relative to dir. Symlinks are preserved; other irregular files are
// skipped.
func writeArchive(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
