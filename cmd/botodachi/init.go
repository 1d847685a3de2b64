package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/botodachi/examples"
)

// seed is a starter file written by "botodachi init".
type seed struct {
	name    string
	content []byte
	mode    os.FileMode
}

// workspaceSeeds lists the starter files. The config may carry API keys
// and broker credentials, so only its owner can read it.
func workspaceSeeds() []seed {
	return []seed{
		{"config.yaml", examples.ConfigYAML(), 0o600},
		{"persona.md", examples.PersonaMD(), 0o644},
	}
}

// runInit prepares dir for "botodachi serve": a data directory plus the
// starter files. Files already present are left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Botodachi workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	for _, s := range workspaceSeeds() {
		if err := writeIfMissing(w, filepath.Join(dir, s.name), s.content, s.mode); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to pick your models, then run: botodachi serve")
	fmt.Fprintln(w, "Caption capture starts disabled; turn it on from the extension.")
	return nil
}

// writeIfMissing creates path with content and mode unless it already
// exists, reporting what it did on w.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	switch {
	case errors.Is(err, fs.ErrExist):
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	case err != nil:
		return fmt.Errorf("create %s: %w", path, err)
	}
	_, err = f.Write(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
