package utils

import (
	"os"
	"time"
)

// FileExists reports whether name exists on disk.
func FileExists(name string) (bool, error) {
	_, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// GetFileInfo returns the size and modification time of filePath.
func GetFileInfo(filePath string) (int64, time.Time, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return 0, time.Now(), err
	}

	return fileInfo.Size(), fileInfo.ModTime().UTC(), nil
}
