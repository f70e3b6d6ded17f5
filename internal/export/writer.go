package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	maxFileNameLen  = 120
	defaultBaseName = "labeler_export"
	fileExt         = ".json"
)

// FileName joins parts such as a batch key and a track tag or status filter
// into a dataset file name. Runes outside letters, digits, '-' and '.' become
// '_', empty parts are skipped and the base is capped at maxFileNameLen runes.
func FileName(parts ...string) string {
	var slugs []string
	for _, p := range parts {
		if s := slug(p); s != "" {
			slugs = append(slugs, s)
		}
	}

	base := []rune(strings.Join(slugs, "_"))
	if len(base) > maxFileNameLen {
		base = base[:maxFileNameLen]
	}
	if len(base) == 0 {
		return defaultBaseName + fileExt
	}
	return string(base) + fileExt
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
			continue
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}

// Target returns the path name resolves to inside dir. dir must be an
// existing directory and name a plain .json file name. An existing entry at
// the target must be a regular file, which WriteFile then replaces.
func Target(dir, name string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("output dir is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("output dir %s does not exist", dir)
		}
		return "", fmt.Errorf("invalid output dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("output dir %s is not a directory", dir)
	}

	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid export file name %q", name)
	}
	if filepath.Ext(name) != fileExt {
		return "", fmt.Errorf("export file name %q must end in %s", name, fileExt)
	}

	target := filepath.Join(filepath.Clean(dir), name)
	existing, err := os.Lstat(target)
	switch {
	case err == nil && !existing.Mode().IsRegular():
		return "", fmt.Errorf("export target %s exists and is not a regular file", target)
	case err != nil && !os.IsNotExist(err):
		return "", fmt.Errorf("stat export target: %w", err)
	}
	return target, nil
}

// WriteFile writes ds as indented JSON to Target(dir, name) and returns the
// path. The file is written under a temporary name first and renamed into
// place.
func WriteFile(dir, name string, ds *Dataset) (string, error) {
	target, err := Target(dir, name)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode dataset: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".export-*"+fileExt)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write export file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("move export file into place: %w", err)
	}
	return target, nil
}
