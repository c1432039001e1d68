package atomicfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestWriteYAML_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	data := map[string]any{"key": "value", "count": 42}
	if err := WriteYAML(path, data); err != nil {
		t.Fatalf("WriteYAML failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var result map[string]any
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestWriteYAML_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteYAML(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteYAML(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	bakContent, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("ReadFile .bak failed: %v", err)
	}
	var bakData map[string]string
	if err := yamlv3.Unmarshal(bakContent, &bakData); err != nil {
		t.Fatalf("Unmarshal .bak failed: %v", err)
	}
	if bakData["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bakData["version"], "1")
	}
}

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "TASK-001-loop-1.json")

	if err := WriteJSON(path, map[string]any{"task_id": "TASK-001", "loop": 1}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(content, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got["task_id"] != "TASK-001" {
		t.Errorf("task_id: got %v", got["task_id"])
	}
}

func TestWriteRaw_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")

	if err := WriteRaw(path, []byte("{broken"), ValidateJSON); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should not exist after failed write")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("unexpected files remaining: %d", len(entries))
	}
}

func TestWriteRaw_NilValidatorAcceptsAnything(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task_queue.md")

	if err := WriteRaw(path, []byte("# Task Queue\n"), nil); err != nil {
		t.Fatalf("WriteRaw failed: %v", err)
	}
	content, _ := os.ReadFile(path)
	if string(content) != "# Task Queue\n" {
		t.Errorf("content: got %q", content)
	}
}
