// Package task builds the ordered list of delivery tasks from a file tree.
//
// A task groups the pending files of one origin folder that share a
// destination code. Building is a pure read of the filesystem: the same
// logic backs both the real dispatch and the preview count.
package task

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"

	"mailout/internal/addressbook"
	"mailout/internal/config"
)

// CodeWidth is the exact width of a destination code inside a filename.
const CodeWidth = 5

const fileExt = ".xlsx"

// Task is one unit of delivery: all pending files of one origin folder
// addressed to one destination code. Immutable once built.
type Task struct {
	Origin string   // origin folder name under the root
	Code   string   // destination code extracted from the filenames
	Files  []string // paths relative to the root, sorted
}

// Build scans the root for eligible origin folders and groups their
// pending files into tasks. Origins restricts the scan to the named
// folders; nil or empty means every eligible folder. Files that do not
// match the naming convention, and groups without a resolvable address,
// are skipped with a warning.
//
// The result is sorted by origin, then code.
func Build(fsys billy.Filesystem, book *addressbook.Book, folders config.Folders, origins []string, log zerolog.Logger) []Task {
	var filter map[string]bool
	if len(origins) > 0 {
		filter = make(map[string]bool, len(origins))
		for _, o := range origins {
			if o = strings.TrimSpace(o); o != "" {
				filter[o] = true
			}
		}
	}

	entries, err := fsys.ReadDir(".")
	if err != nil {
		log.Error().Err(err).Msg("cannot read root directory")
		return nil
	}

	var names []string
	for _, fi := range entries {
		name := fi.Name()
		if !fi.IsDir() {
			continue
		}
		// Guard against mislaid subfolders at the root.
		if name == folders.Pending || name == folders.Delivered || name == folders.Failed {
			continue
		}
		if filter != nil && !filter[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var tasks []Task
	for _, origin := range names {
		tasks = append(tasks, buildOrigin(fsys, book, folders, origin, log)...)
	}
	return tasks
}

func buildOrigin(fsys billy.Filesystem, book *addressbook.Book, folders config.Folders, origin string, log zerolog.Logger) []Task {
	pendingDir := fsys.Join(origin, folders.Pending)
	deliveredDir := fsys.Join(origin, folders.Delivered)
	if !isDir(fsys, pendingDir) || !isDir(fsys, deliveredDir) {
		log.Warn().Str("origin", origin).
			Msgf("origin folder lacks %q or %q subfolder, skipping", folders.Pending, folders.Delivered)
		return nil
	}

	entries, err := fsys.ReadDir(pendingDir)
	if err != nil {
		log.Warn().Err(err).Str("origin", origin).Msg("cannot read pending folder, skipping")
		return nil
	}

	groups := make(map[string][]string)
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}
		name := fi.Name()
		code, ok := CodeFromFilename(name)
		if !ok {
			log.Warn().Str("origin", origin).Str("file", name).
				Msg("filename does not match naming convention, skipping")
			continue
		}
		groups[code] = append(groups[code], fsys.Join(pendingDir, name))
	}

	codes := make([]string, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var tasks []Task
	for _, code := range codes {
		if len(book.Lookup(code)) == 0 {
			log.Warn().Str("origin", origin).Str("code", code).
				Msg("no recipient address for destination code, skipping")
			continue
		}
		files := groups[code]
		sort.Strings(files)
		tasks = append(tasks, Task{Origin: origin, Code: code, Files: files})
	}
	return tasks
}

// CodeFromFilename extracts the destination code from a pending filename.
// The convention is `<...>_<code>_<...>.xlsx` with at least three
// underscore-separated fields; the second-to-last field must be an
// exact-width numeric string.
func CodeFromFilename(name string) (string, bool) {
	if !strings.EqualFold(filepath.Ext(name), fileExt) {
		return "", false
	}
	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return "", false
	}
	code := parts[len(parts)-2]
	if len(code) != CodeWidth || !isDigits(code) {
		return "", false
	}
	return code, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isDir(fsys billy.Filesystem, path string) bool {
	fi, err := fsys.Stat(path)
	return err == nil && fi.IsDir()
}
