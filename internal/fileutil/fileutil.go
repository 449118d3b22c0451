// Package fileutil holds small filesystem helpers shared by the preview
// cache, the sidecar writer and the clean command.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// WriteFileAtomic writes through a temp file in the destination directory and
// renames it into place, so readers never observe a partial file.
func WriteFileAtomic(path string, perm os.FileMode, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := moveFileAcrossFS(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move into place: %w", err)
	}
	return nil
}

// Exists reports whether path exists and is a non-empty regular file
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// UniqueName finds a free name by appending a counter (file_1.ext, file_2.ext...).
// isAvailable should return true if the name can be used.
func UniqueName(filename string, isAvailable func(string) bool) string {
	if isAvailable(filename) {
		return filename
	}

	ext := filepath.Ext(filename)
	name := strings.TrimSuffix(filename, ext)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s_%d%s", name, counter, ext)
		if isAvailable(candidate) {
			return candidate
		}
	}
}

// FreeIn returns an isAvailable func for UniqueName over dir
func FreeIn(dir string) func(string) bool {
	return func(name string) bool {
		_, err := os.Lstat(filepath.Join(dir, name))
		return os.IsNotExist(err)
	}
}

// MoveFile moves src into destDir without overwriting and returns the new path
func MoveFile(src, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}

	dest := filepath.Join(destDir, UniqueName(filepath.Base(src), FreeIn(destDir)))
	if err := moveFileAcrossFS(src, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// moveFileAcrossFS renames, falling back to copy+delete across filesystems.
// The fallback handles regular files and directories of regular files.
func moveFileAcrossFS(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := copyTree(src, dest); err != nil {
			os.RemoveAll(dest)
			return err
		}
		return os.RemoveAll(src)
	}
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}
	if !srcInfo.Mode().IsRegular() {
		return fmt.Errorf("cannot copy %s across filesystems: not a regular file", src)
	}

	destFile, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode())
	if err != nil {
		return err
	}

	if _, err := io.Copy(destFile, srcFile); err != nil {
		destFile.Close()
		os.Remove(dest)
		return err
	}
	return destFile.Close()
}

// MoveToTrash moves a file or directory to the user's trash.
// Linux follows the freedesktop.org layout with .trashinfo records; macOS
// uses ~/.Trash; other systems get a scenegrouper_trash folder in home.
func MoveToTrash(src string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "linux":
		return moveToLinuxTrash(src, filepath.Join(homeDir, ".local", "share", "Trash"))
	case "darwin":
		return MoveFile(src, filepath.Join(homeDir, ".Trash"))
	default:
		return MoveFile(src, filepath.Join(homeDir, "scenegrouper_trash"))
	}
}

func moveToLinuxTrash(src, trashRoot string) (string, error) {
	filesDir := filepath.Join(trashRoot, "files")
	infoDir := filepath.Join(trashRoot, "info")
	for _, d := range []string{filesDir, infoDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", fmt.Errorf("failed to create trash directory: %w", err)
		}
	}

	absPath, err := filepath.Abs(src)
	if err != nil {
		return "", err
	}

	// The name must be free in both files/ and info/
	name := UniqueName(filepath.Base(src), func(n string) bool {
		return FreeIn(filesDir)(n) && FreeIn(infoDir)(n+".trashinfo")
	})

	dest := filepath.Join(filesDir, name)
	infoPath := filepath.Join(infoDir, name+".trashinfo")

	info := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		absPath, time.Now().Format("2006-01-02T15:04:05"))
	if err := os.WriteFile(infoPath, []byte(info), 0644); err != nil {
		return "", err
	}

	if err := moveFileAcrossFS(src, dest); err != nil {
		os.Remove(infoPath)
		return "", err
	}
	return dest, nil
}
