package supervisor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"golang.org/x/sys/unix"
)

// ParseExtraArgs decodes a JSON array of strings. Anything else, including an
// array holding a non-string element, yields no arguments.
func ParseExtraArgs(raw string) []string {
	if raw == "" || !gjson.Valid(raw) {
		return nil
	}
	v := gjson.Parse(raw)
	if !v.IsArray() {
		return nil
	}

	args := []string{}
	ok := true
	v.ForEach(func(_, el gjson.Result) bool {
		if el.Type != gjson.String {
			ok = false
			return false
		}
		args = append(args, el.String())
		return true
	})
	if !ok {
		return nil
	}
	return args
}

// BuildArgs returns the engine argv after the executable.
func BuildArgs(configPath string, extra []string) []string {
	args := make([]string, 0, 3+len(extra))
	args = append(args, "run", "-c", configPath)
	return append(args, extra...)
}

func validateExecutable(path string) error {
	if path == "" {
		return validationError(path, "executable path is empty")
	}
	if !filepath.IsAbs(path) {
		return validationError(path, "executable path must be absolute")
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return validationError(path, "executable not found")
		}
		return validationError(path, "executable: %v", err)
	}
	if !fi.Mode().IsRegular() {
		return validationError(path, "executable is not a regular file")
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return validationError(path, "not executable: %v", err)
	}
	return nil
}

func validateConfig(path string) error {
	if path == "" {
		return validationError(path, "config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return validationError(path, "config not found")
		}
		return validationError(path, "config: %v", err)
	}
	return nil
}
