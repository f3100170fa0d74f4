package tools

import (
	"context"
	"fmt"
)

// FileSystem is the confined file access the builtin fs tools run on.
type FileSystem interface {
	ReadFile(ctx context.Context, rel string) ([]byte, error)
	WriteFile(ctx context.Context, rel string, data []byte) error
}

// RegisterFS installs fs.read and fs.write backed by fsys.
func RegisterFS(r *Registry, fsys FileSystem) {
	r.Register(FSRead, func(ctx context.Context, args Args) (Result, error) {
		path := args["path"]
		if path == "" {
			return Result{}, &ArgError{Tool: FSRead, Arg: "path"}
		}
		b, err := fsys.ReadFile(ctx, path)
		if err != nil {
			return Result{}, err
		}
		return Result{Output: string(b)}, nil
	})
	r.Register(FSWrite, func(ctx context.Context, args Args) (Result, error) {
		path := args["path"]
		if path == "" {
			return Result{}, &ArgError{Tool: FSWrite, Arg: "path"}
		}
		content, ok := args["content"]
		if !ok {
			return Result{}, &ArgError{Tool: FSWrite, Arg: "content"}
		}
		if err := fsys.WriteFile(ctx, path, []byte(content)); err != nil {
			return Result{}, err
		}
		return Result{Output: fmt.Sprintf("wrote %d bytes", len(content))}, nil
	})
}
