package app

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// LoadIdentity returns the node id. With useCached the id is read from path,
// or generated and written there on first use.
func LoadIdentity(path string, useCached bool) (uuid.UUID, error) {
	if !useCached {
		return uuid.New(), nil
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, perr := uuid.ParseBytes(bytes.TrimSpace(data))
		if perr != nil {
			return uuid.Nil, errors.Wrapf(perr, "parse id file %s", path)
		}
		return id, nil
	case !os.IsNotExist(err):
		return uuid.Nil, errors.Wrap(err, "read id file")
	}

	id := uuid.New()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return uuid.Nil, errors.Wrap(err, "create id dir")
		}
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return uuid.Nil, errors.Wrap(err, "write id file")
	}
	return id, nil
}
