package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ShoshinNikita/rload/rload"
)

// File reads local files. If the root is set, sources are resolved relative to it
// and can't escape it.
type File struct {
	root string
}

func NewFile(root string) *File {
	return &File{root: root}
}

func (f *File) Fetch(ctx context.Context, src rload.SourceID, _ rload.Authenticator) ([]byte, error) {
	if src.Scheme() != "file" {
		return nil, fmt.Errorf("unsupported scheme %q", src.Scheme())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if f.root == "" {
		data, err := os.ReadFile(src.String())
		if err != nil {
			return nil, fmt.Errorf("couldn't read file: %w", err)
		}
		return data, nil
	}

	root, err := os.OpenRoot(f.root)
	if err != nil {
		return nil, fmt.Errorf("couldn't open root dir: %w", err)
	}
	defer root.Close()

	name := strings.TrimPrefix(src.String(), "/")
	if name == "" {
		name = "."
	}

	file, err := root.Open(name)
	if err != nil {
		return nil, fmt.Errorf("couldn't open file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("couldn't read file: %w", err)
	}
	return data, nil
}
