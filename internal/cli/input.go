package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/roach88/complyflow/internal/lockfile"
	"github.com/roach88/complyflow/internal/overlay"
	"github.com/roach88/complyflow/internal/watcher"
	"github.com/roach88/complyflow/internal/workflow"
)

// inputError is a file that could not be read or parsed. Code is
// ErrCodeNotFound or ErrCodeInvalidInput.
type inputError struct {
	Code string
	Path string
	Err  error
}

func (e *inputError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *inputError) Unwrap() error {
	return e.Err
}

// readDocument reads a .json, .jsonc, .yaml or .yml file as JSON.
func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &inputError{Code: ErrCodeNotFound, Path: path, Err: errors.New("file not found")}
	}
	if err != nil {
		return nil, &inputError{Code: ErrCodeNotFound, Path: path, Err: err}
	}
	data, err = overlay.DocumentJSON(path, data)
	if err != nil {
		return nil, &inputError{Code: ErrCodeInvalidInput, Path: path, Err: err}
	}
	return data, nil
}

func readGraph(path string) (*workflow.Graph, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	g, err := workflow.DecodeGraph(data)
	if err != nil {
		return nil, &inputError{Code: ErrCodeInvalidInput, Path: path, Err: err}
	}
	return g, nil
}

// readRecords reads a JSON or YAML array of record objects. Numbers are
// kept as json.Number so fingerprints do not depend on float rounding.
func readRecords(path string) ([]watcher.Record, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	records := []watcher.Record{}
	if err := dec.Decode(&records); err != nil {
		return nil, &inputError{Code: ErrCodeInvalidInput, Path: path, Err: fmt.Errorf("expected an array of objects: %w", err)}
	}
	return records, nil
}

func readLockfile(path string) (*lockfile.Lockfile, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	var lock lockfile.Lockfile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&lock); err != nil {
		return nil, &inputError{Code: ErrCodeInvalidInput, Path: path, Err: err}
	}
	return &lock, nil
}

// failInput reports an input error, or falls back to failErr.
func failInput(f *OutputFormatter, err error) error {
	var ie *inputError
	if errors.As(err, &ie) {
		return fail(f, ExitCommandError, ie.Code, ie.Error(), nil)
	}
	return failErr(f, err)
}
