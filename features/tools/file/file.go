// Package file provides the write_file tool. Files are written below a root
// directory; paths escaping the root are rejected.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

type (
	// Write is the write_file tool.
	Write struct {
		root string
	}

	writeInput struct {
		FilePath string `json:"file_path"`
		Text     string `json:"text"`
		Append   bool   `json:"append,omitempty"`
	}
)

// WriteName is the name of the write tool.
const WriteName = "write_file"

var writeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "file_path": {"type": "string", "description": "Name of the file to write, relative to the working directory."},
    "text": {"type": "string", "description": "Text to write to the file."},
    "append": {"type": "boolean", "description": "Whether to append to an existing file."}
  },
  "required": ["file_path", "text"]
}`)

// NewWrite returns the write tool rooted at dir.
func NewWrite(dir string) (*Write, error) {
	if dir == "" {
		return nil, errors.New("file: root directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Write{root: abs}, nil
}

// Spec implements tools.Tool.
func (w *Write) Spec() tools.Spec {
	return tools.Spec{
		Name:        WriteName,
		Description: "Write file to disk",
		Schema:      writeSchema,
	}
}

// Call implements tools.Tool.
func (w *Write) Call(_ context.Context, raw json.RawMessage) (string, error) {
	var in writeInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", toolerrors.NewWithCause(WriteName, "invalid input", err)
	}
	name := filepath.Clean(filepath.FromSlash(in.FilePath))
	if !filepath.IsLocal(name) {
		return "", toolerrors.NewWithCause(WriteName, fmt.Sprintf("access denied to %s: outside of the working directory", in.FilePath), nil)
	}
	root, err := os.OpenRoot(w.root)
	if err != nil {
		return "", toolerrors.NewWithCause(WriteName, "", err)
	}
	defer func() { _ = root.Close() }()
	if dir := filepath.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return "", toolerrors.NewWithCause(WriteName, "", err)
		}
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if in.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := root.OpenFile(name, flags, 0o644)
	if err != nil {
		return "", toolerrors.NewWithCause(WriteName, "", err)
	}
	if _, err := f.WriteString(in.Text); err != nil {
		_ = f.Close()
		return "", toolerrors.NewWithCause(WriteName, "", err)
	}
	if err := f.Close(); err != nil {
		return "", toolerrors.NewWithCause(WriteName, "", err)
	}
	return fmt.Sprintf("File written successfully to %s.", in.FilePath), nil
}
