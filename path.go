package zipstrip

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
)

type SkipPath struct {
	Includes []string
	Excludes []string
}

func (p SkipPath) Skip(path string) bool {
	if len(p.Includes) > 0 {
		in := false
		for _, pattern := range p.Includes {
			ok, _ := doublestar.PathMatch(pattern, path)
			if ok {
				in = true
				break
			}
		}
		if !in {
			return true
		}
	}
	for _, pattern := range p.Excludes {
		ok, _ := doublestar.PathMatch(pattern, path)
		if ok {
			return true
		}
	}

	return false
}

// FindArchives collects the ZIP archives reachable from each root. A root
// that is a plain file is taken as-is; a directory is walked and every .zip
// under it considered. The skip patterns apply in both cases.
func FindArchives(roots []string, skip SkipPath) ([]string, error) {
	var archives []string
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if !skip.Skip(root) {
				archives = append(archives, root)
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(path), ".zip") {
				return nil
			}
			if skip.Skip(path) {
				return nil
			}
			archives = append(archives, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return archives, nil
}

func SetupSignalContext() context.Context {
	shutdownHandler := make(chan os.Signal, 2)
	ctx, cancel := context.WithCancel(context.Background())
	signal.Notify(shutdownHandler, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		s := <-shutdownHandler
		_, _ = fmt.Fprintf(os.Stderr, "\nReceived signal: %s, stopping...\n", s.String())
		cancel()
		<-shutdownHandler
		os.Exit(1) // second signal. Exit directly.
	}()
	return ctx
}
