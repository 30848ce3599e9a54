package service

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// TamperDetector watches security-sensitive files for modification while
// the process runs. The HMAC key, policy, env file and prompt tree define
// the assistant's identity and trust boundary; an unexpected change to any
// of them means the host may be compromised, so detection is fatal.
type TamperDetector struct {
	paths    []string
	globs    []string
	baseline map[string]string
	logger   *zap.Logger
}

// NewTamperDetector records fingerprints of the given files plus every
// file matching the glob patterns.
func NewTamperDetector(paths []string, globDirs []string, logger *zap.Logger) *TamperDetector {
	var globs []string
	for _, dir := range globDirs {
		for _, pattern := range []string{"*.txt", "*.model", "*.context", "*.knowledge", "users/*", "groups/*"} {
			globs = append(globs, filepath.Join(dir, pattern))
		}
	}
	d := &TamperDetector{
		paths:  paths,
		globs:  globs,
		logger: logger,
	}
	d.baseline = d.fingerprints()
	logger.Info("tamper baseline recorded", zap.Int("files", len(d.baseline)))
	return d
}

// fingerprints maps each watched path to a truncated content hash, or
// "<missing>" when the file does not exist.
func (d *TamperDetector) fingerprints() map[string]string {
	files := make(map[string]bool)
	for _, p := range d.paths {
		if p != "" {
			files[p] = true
		}
	}
	for _, g := range d.globs {
		matches, err := filepath.Glob(g)
		if err != nil {
			continue
		}
		for _, m := range matches {
			files[m] = true
		}
	}

	out := make(map[string]string, len(files))
	for path := range files {
		out[path] = fingerprintFile(path)
	}
	return out
}

func fingerprintFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "<missing>"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Check compares current fingerprints against the baseline. Returns the
// list of violations; empty means clean.
func (d *TamperDetector) Check() []string {
	current := d.fingerprints()
	var violations []string

	for path, base := range d.baseline {
		now, ok := current[path]
		switch {
		case !ok || now == "<missing>":
			if base != "<missing>" {
				violations = append(violations, "vanished: "+path)
			}
		case base == "<missing>":
			violations = append(violations, "appeared: "+path)
		case now != base:
			violations = append(violations, "changed: "+path)
		}
	}
	for path := range current {
		if _, ok := d.baseline[path]; !ok {
			violations = append(violations, "new: "+path)
		}
	}

	sort.Strings(violations)
	for _, v := range violations {
		d.logger.Error("TAMPER DETECTED", zap.String("violation", v))
	}
	return violations
}
