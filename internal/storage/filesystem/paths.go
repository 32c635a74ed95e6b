package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

const maxFilenameLen = 200

// invalidFilenameChars 返回当前平台文件名中不允许的字符
func invalidFilenameChars() []string {
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		return []string{"/", "\x00"}
	}
	return []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/", "\x00"}
}

// SanitizeFilename 把附件原始文件名转换为可落盘的名字
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	for _, c := range invalidFilenameChars() {
		name = strings.ReplaceAll(name, c, "_")
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameLen {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}

	name = strings.Trim(name, " .")
	if name == "" {
		name = "unnamed"
	}
	return name
}

// validSegment 校验作为目录名使用的 ID
func validSegment(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.Contains(id, "\x00") {
		return fmt.Errorf("invalid path segment %q", id)
	}
	return nil
}

// normalizeBase 转为绝对路径并拒绝路径穿越
func normalizeBase(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("base path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", fmt.Errorf("path traversal detected: %s", path)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
