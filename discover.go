package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/mytardis/mydata-go/internal/config"
	"github.com/mytardis/mydata-go/internal/pipeline"
)

// discoverFolder walks one configured folder and returns its files in
// lexical order. Hidden files and directories are skipped; the folder's
// relative directory structure is preserved on the server with forward
// slashes regardless of the local separator.
func discoverFolder(folderID, root string) ([]pipeline.LocalFile, error) {
	var files []pipeline.LocalFile

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		name := d.Name()

		if d.IsDir() {
			if p != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}

			return nil
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}

		dir := filepath.Dir(rel)
		if dir == "." {
			dir = ""
		} else {
			dir = filepath.ToSlash(dir)
		}

		files = append(files, pipeline.LocalFile{
			FolderID:  folderID,
			FileIndex: len(files),
			Path:      p,
			Directory: dir,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning folder %s: %w", root, err)
	}

	return files, nil
}

// datasetRef resolves a folder's dataset reference. dataset_uri wins when
// both forms are configured.
func datasetRef(f config.FolderConfig) pipeline.DatasetRef {
	if f.DatasetURI != "" {
		return pipeline.DatasetRef{ID: f.DatasetID, URI: f.DatasetURI}
	}

	return pipeline.DatasetRef{
		ID:  f.DatasetID,
		URI: fmt.Sprintf("/api/v1/dataset/%d/", f.DatasetID),
	}
}
