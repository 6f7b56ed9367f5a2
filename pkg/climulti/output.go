// Package climulti runs batches of archiving requests concurrently with
// bounded parallelism. Each request executes as an isolated pool task whose
// failure or panic cannot take down the batch, and writes its result through
// a file-backed output so oversized responses are caught before they are
// loaded into memory.
package climulti

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DefaultAbnormalThreshold flags outputs large enough to indicate a runaway
// computation rather than a legitimate result.
const DefaultAbnormalThreshold = 100 * 1024 * 1024

// Output is the file-backed result buffer of one request. Files live under a
// dedicated directory in the system temp dir and carry a random name, so
// concurrent batches never collide.
type Output struct {
	ID   string
	path string
}

// NewOutput allocates an empty output file.
func NewOutput() (*Output, error) {
	dir := filepath.Join(os.TempDir(), "sitewise-climulti")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	id := uuid.NewString()
	return &Output{ID: id, path: filepath.Join(dir, id+".out")}, nil
}

// Path returns the location of the backing file.
func (o *Output) Path() string {
	return o.path
}

// Write replaces the output contents.
func (o *Output) Write(data []byte) error {
	if err := os.WriteFile(o.path, data, 0o644); err != nil {
		return fmt.Errorf("write output %s: %w", o.ID, err)
	}
	return nil
}

// Read returns the output contents. A missing file reads as empty, matching
// a task that produced nothing.
func (o *Output) Read() ([]byte, error) {
	data, err := os.ReadFile(o.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read output %s: %w", o.ID, err)
	}
	return data, nil
}

// Size returns the current size of the backing file in bytes.
func (o *Output) Size() (int64, error) {
	info, err := os.Stat(o.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat output %s: %w", o.ID, err)
	}
	return info.Size(), nil
}

// IsAbnormal reports whether the output exceeds the threshold. A zero
// threshold uses the default.
func (o *Output) IsAbnormal(threshold int64) (bool, error) {
	if threshold <= 0 {
		threshold = DefaultAbnormalThreshold
	}
	size, err := o.Size()
	if err != nil {
		return false, err
	}
	return size >= threshold, nil
}

// Destroy removes the backing file. Destroying an already removed output is
// not an error.
func (o *Output) Destroy() error {
	err := os.Remove(o.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("destroy output %s: %w", o.ID, err)
	}
	return nil
}
