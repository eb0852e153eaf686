// internal/detect/mime.go
package detect

import (
	"mime"
	"path"
	"strings"
)

// Source extensions the stdlib mime table has no opinion on.
var sourceMimeTypes = map[string]string{
	".go":    "text/x-go",
	".py":    "text/x-python",
	".rb":    "text/x-ruby",
	".rs":    "text/x-rust",
	".java":  "text/x-java",
	".kt":    "text/x-kotlin",
	".c":     "text/x-c",
	".h":     "text/x-c",
	".cpp":   "text/x-c++",
	".hpp":   "text/x-c++",
	".cs":    "text/x-csharp",
	".ts":    "text/typescript",
	".tsx":   "text/typescript",
	".jsx":   "text/javascript",
	".php":   "text/x-php",
	".swift": "text/x-swift",
	".scala": "text/x-scala",
	".sh":    "text/x-shellscript",
	".sql":   "text/x-sql",
	".yaml":  "text/yaml",
	".yml":   "text/yaml",
	".toml":  "text/toml",
	".md":    "text/markdown",
	".proto": "text/x-protobuf",
	".tf":    "text/x-terraform",
}

// InferMimeType guesses a MIME type from the file extension, falling back to
// text/plain for extensionless or unknown paths.
func InferMimeType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if t, ok := sourceMimeTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		// Strip any charset parameter; consumers key off the bare type.
		if i := strings.Index(t, ";"); i >= 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t
	}
	return "text/plain"
}
