package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RuntimeFileResolver finds files such as the configuration or template
// overrides in a colon separated search path, then the working directory,
// then the directory of the executable.
type RuntimeFileResolver struct {
	DataDirs []string

	mu         sync.Mutex
	fileLookup map[string]string
}

func NewRuntimeFileResolver(searchPath string) *RuntimeFileResolver {
	resolver := &RuntimeFileResolver{
		fileLookup: make(map[string]string),
	}

	for _, dataDir := range strings.Split(searchPath, ":") {
		dataDir = strings.TrimSpace(dataDir)
		if len(dataDir) == 0 {
			continue
		}
		resolver.DataDirs = append(resolver.DataDirs, dataDir)
	}

	if cwd, err := os.Getwd(); err == nil {
		resolver.DataDirs = append(resolver.DataDirs, cwd)
	} else {
		configLog.Warnf("Failed to get CWD: %v", err)
	}
	resolver.DataDirs = append(resolver.DataDirs, filepath.Dir(os.Args[0]))
	return resolver
}

// Resolve returns the first existing candidate for filePath. Absolute
// paths are only checked for existence.
func (r *RuntimeFileResolver) Resolve(filePath string) (string, error) {
	if filepath.IsAbs(filePath) {
		return filePath, checkFile(filePath)
	}

	for _, dataDir := range r.DataDirs {
		candidate := filepath.Clean(filepath.Join(dataDir, filePath))
		if checkFile(candidate) == nil {
			return candidate, nil
		}
	}
	return filePath, fmt.Errorf("Failed to resolve %v", filePath)
}

// Lookup is Resolve with the successful results remembered.
func (r *RuntimeFileResolver) Lookup(filePath string) (string, error) {
	r.mu.Lock()
	path, found := r.fileLookup[filePath]
	r.mu.Unlock()
	if found {
		return path, nil
	}

	path, err := r.Resolve(filePath)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.fileLookup[filePath] = path
	r.mu.Unlock()
	return path, nil
}

func checkFile(filePath string) error {
	_, err := os.Stat(filePath)
	return err
}
