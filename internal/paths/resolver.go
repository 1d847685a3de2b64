// Package paths resolves the file locations named in configuration.
// A value may begin with ~ for the home directory or with a named
// prefix such as config: (the directory holding config.yaml) or data:
// (the data directory), so a persona file can live next to the config
// regardless of the daemon's working directory.
package paths

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Resolver maps prefix names to directories. A nil *Resolver only
// expands ~.
type Resolver struct {
	dirs map[string]string
}

// New builds a Resolver from prefix names to directories. A trailing
// colon on a name is ignored and directories have ~ expanded. Returns
// nil for an empty map.
func New(prefixes map[string]string) *Resolver {
	if len(prefixes) == 0 {
		return nil
	}
	dirs := make(map[string]string, len(prefixes))
	for name, dir := range prefixes {
		dirs[strings.TrimSuffix(name, ":")] = ExpandHome(dir)
	}
	return &Resolver{dirs: dirs}
}

// Resolve expands ~ and a leading registered prefix. The prefix is
// everything before the first colon, so "data:" never matches
// "database:". Unregistered prefixes are returned as given.
func (r *Resolver) Resolve(path string) string {
	path = ExpandHome(path)
	if r == nil {
		return path
	}
	name, rel, ok := strings.Cut(path, ":")
	if !ok {
		return path
	}
	dir, known := r.dirs[name]
	if !known {
		return path
	}
	if rel == "" {
		return dir
	}
	return filepath.Join(dir, rel)
}

// Prefixes returns the registered prefix names, sorted, without colons.
func (r *Resolver) Prefixes() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.dirs))
	for name := range r.dirs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ExpandHome replaces a leading ~ or ~/ with the user's home
// directory. ~user forms and an unknown home are left alone.
func ExpandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && rest[0] != '/' && rest[0] != filepath.Separator) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
