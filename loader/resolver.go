package loader

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Resolver finds and loads a module by the path string encoded in a
// bytecode load instruction (§4.D "Module load/link"). Grounded
// on original_source/src/vm/module_resolver.cpp's vm_module_resolver_t.
type Resolver interface {
	ResolveModule(path string) (*Module, error)
}

// FileResolver is the default Resolver: it opens path directly, and on
// failure tries each ProbingPaths entry prepended to path in turn.
type FileResolver struct {
	ProbingPaths []string
}

// NewFileResolver returns a FileResolver with no probing paths.
func NewFileResolver() *FileResolver {
	return &FileResolver{}
}

func (f *FileResolver) ResolveModule(path string) (*Module, error) {
	file, err := os.Open(path)
	if err != nil {
		for _, p := range f.ProbingPaths {
			file, err = os.Open(filepath.Join(p, path))
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to resolve module path %q", path)
	}
	defer file.Close()

	return ReadModule(file)
}
