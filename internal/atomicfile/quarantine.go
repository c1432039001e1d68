package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted file into quarantineDir and returns its new path.
func Quarantine(quarantineDir, filePath string) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405.000000000")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}

func RestoreFromBackup(filePath string, validate Validator) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if validate != nil {
		if err := validate(content); err != nil {
			return fmt.Errorf("backup is also corrupted: %w", err)
		}
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Recovery tells the caller how a corrupted file was repaired.
type Recovery struct {
	QuarantinedTo string
	FromBackup    bool
	BackupError   error
}

// RecoverCorrupted quarantines filePath, then restores the .bak copy if it
// validates, and otherwise writes skeleton.
func RecoverCorrupted(quarantineDir, filePath string, validate Validator, skeleton []byte) (Recovery, error) {
	var rec Recovery

	// Step 1: Quarantine the corrupted file
	dst, err := Quarantine(quarantineDir, filePath)
	if err != nil {
		return rec, fmt.Errorf("quarantine failed: %w", err)
	}
	rec.QuarantinedTo = dst

	// Step 2: Try to restore from .bak
	restoreErr := RestoreFromBackup(filePath, validate)
	if restoreErr == nil {
		rec.FromBackup = true
		return rec, nil
	}
	rec.BackupError = restoreErr

	// Step 3: Generate minimal skeleton
	if err := os.WriteFile(filePath, skeleton, 0644); err != nil {
		return rec, fmt.Errorf("skeleton generation failed: %w", err)
	}
	return rec, nil
}
