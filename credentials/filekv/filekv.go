// Package filekv is a file-backed KeyValue implementation for command-line
// and desktop hosts, standing in for the mobile platforms' secure device
// storage.
package filekv

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/kora-live/kora-go/credentials"
)

var _ credentials.KeyValue = (*FileKeyValue)(nil)

// FileKeyValue stores keys as a JSON object in a single file. Writes go
// through a temp file and an atomic rename so a crash mid-write cannot
// leave a corrupt token file behind.
type FileKeyValue struct {
	path string
	lock sync.Mutex
}

// New creates a FileKeyValue persisting to path. The file is created on
// first Set.
func New(path string) *FileKeyValue {
	return &FileKeyValue{path: path}
}

func (f *FileKeyValue) Get(_ context.Context, key string) (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	values, err := f.read()
	if err != nil {
		return "", err
	}
	return values[key], nil
}

func (f *FileKeyValue) Set(_ context.Context, key, value string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	values, err := f.read()
	if err != nil {
		return err
	}
	values[key] = value
	return f.write(values)
}

func (f *FileKeyValue) Remove(_ context.Context, key string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	values, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.write(values)
}

func (f *FileKeyValue) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[FileKeyValue.read] read file")
	}

	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		// A corrupt file is treated as empty rather than wedging every
		// session start behind an unreadable token file.
		return make(map[string]string), nil
	}
	return values, nil
}

func (f *FileKeyValue) write(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return errors.Wrap(err, "[FileKeyValue.write] marshal")
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return errors.Wrap(err, "[FileKeyValue.write] write temp file")
	}
	if err := os.Rename(tempFile, f.path); err != nil {
		_ = os.Remove(tempFile)
		return errors.Wrap(err, "[FileKeyValue.write] rename temp file")
	}
	return nil
}
