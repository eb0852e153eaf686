// internal/detect/filter.go
package detect

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Paths excluded regardless of consumer patterns: dependency and build
// output directories, dotfile trees, lockfiles, and minified bundles.
var defaultExcludes = []string{
	"**/.*",
	"**/.*/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/dist/**",
	"**/build/**",
	"**/target/**",
	"**/__pycache__/**",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/Cargo.lock",
	"**/go.sum",
	"**/Gemfile.lock",
	"**/composer.lock",
	"**/poetry.lock",
	"**/*.min.js",
	"**/*.min.css",
}

// Extensions that never carry indexable text.
var binaryExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".ico": {},
	".webp": {}, ".svgz": {}, ".tiff": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".bz2": {}, ".xz": {}, ".7z": {}, ".rar": {},
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".a": {}, ".o": {},
	".class": {}, ".jar": {}, ".war": {}, ".pyc": {}, ".wasm": {},
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {}, ".wav": {}, ".flac": {}, ".ogg": {},
	".db": {}, ".sqlite": {}, ".sqlite3": {}, ".bin": {}, ".dat": {},
}

// Filter decides which tree paths become sync candidates. Exclusion wins over
// inclusion; default excludes apply before consumer patterns.
type Filter struct {
	includes []string
	excludes []string
}

// NewFilter compiles consumer include/exclude patterns. Invalid patterns are
// dropped rather than failing the whole sync.
func NewFilter(includes, excludes []string) *Filter {
	return &Filter{
		includes: validPatterns(includes),
		excludes: validPatterns(excludes),
	}
}

func validPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if doublestar.ValidatePattern(p) {
			out = append(out, p)
		}
	}
	return out
}

// Match reports whether p survives filtering.
func (f *Filter) Match(p string) bool {
	if IsBinaryPath(p) {
		return false
	}
	for _, pattern := range defaultExcludes {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return false
		}
	}
	for _, pattern := range f.excludes {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return false
		}
	}
	if len(f.includes) == 0 {
		return true
	}
	for _, pattern := range f.includes {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// IsBinaryPath reports whether the path's extension is blacklisted as binary.
func IsBinaryPath(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	_, ok := binaryExtensions[ext]
	return ok
}
