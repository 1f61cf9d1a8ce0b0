package utils

import (
	"encoding/json"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/spf13/afero"
)

type Fs struct {
	AppFs afero.Fs
}

func NewFs(appFs afero.Fs) Fs {
	return Fs{AppFs: appFs}
}

func (fs Fs) ReadFile(filePath string) ([]byte, error) {
	b, err := afero.ReadFile(fs.AppFs, filePath)
	if err != nil {
		return nil, xerrors.Errorf("unable to read %s: %w", filePath, err)
	}
	return b, nil
}

// WriteJSON writes data as indented JSON, creating parent directories.
func (fs Fs) WriteJSON(filePath string, data interface{}) error {
	if dir := filepath.Dir(filePath); dir != "." {
		if err := fs.AppFs.MkdirAll(dir, 0o755); err != nil {
			return xerrors.Errorf("unable to create a directory: %w", err)
		}
	}

	f, err := fs.AppFs.Create(filePath)
	if err != nil {
		return xerrors.Errorf("unable to open a file: %w", err)
	}
	defer f.Close()

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return xerrors.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err = f.Write(b); err != nil {
		return xerrors.Errorf("failed to save a file: %w", err)
	}
	return nil
}
