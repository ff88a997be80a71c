package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BinaryNotFoundError 找不到可执行文件
type BinaryNotFoundError struct {
	Binary   string
	Searched []string
}

func (e *BinaryNotFoundError) Error() string {
	if len(e.Searched) == 0 {
		return fmt.Sprintf("binary %q not found in PATH", e.Binary)
	}
	return fmt.Sprintf("binary %q not found in PATH or %s", e.Binary, strings.Join(e.Searched, ", "))
}

// ResolveBinary 解析可执行文件路径。
// 含路径分隔符时按文件路径检查；否则先查 PATH，再查 dirs 及其一层子目录。
func ResolveBinary(binary string, dirs ...string) (string, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return "", &BinaryNotFoundError{}
	}
	if strings.ContainsRune(binary, os.PathSeparator) || strings.Contains(binary, "/") {
		if isFile(binary) {
			return binary, nil
		}
		return "", &BinaryNotFoundError{Binary: binary}
	}

	if path, err := exec.LookPath(binary); err == nil {
		return path, nil
	}

	candidates := []string{binary}
	if filepath.Ext(binary) == "" {
		candidates = append(candidates, binary+".exe")
	}
	var searched []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		searched = append(searched, dir)
		if path, ok := findInDir(dir, candidates); ok {
			return path, nil
		}
	}
	return "", &BinaryNotFoundError{Binary: binary, Searched: searched}
}

// findInDir 在目录及其一层子目录中查找
func findInDir(dir string, candidates []string) (string, bool) {
	for _, name := range candidates {
		if path := filepath.Join(dir, name); isFile(path) {
			return path, true
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		for _, name := range candidates {
			if path := filepath.Join(dir, entry.Name(), name); isFile(path) {
				return path, true
			}
		}
	}
	return "", false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
