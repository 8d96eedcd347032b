package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tasknest/tasknest/internal/orchestrator"
)

const undoFile = "undo.yaml"

func undoPath() string {
	return filepath.Join(cfg.Cache.Dir, undoFile)
}

// saveUndo remembers the last completion toggle for 'nest undo'.
func saveUndo(tok orchestrator.UndoToken) error {
	data, err := yaml.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal undo: %w", err)
	}
	if err := os.MkdirAll(cfg.Cache.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", cfg.Cache.Dir, err)
	}
	if err := os.WriteFile(undoPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write undo: %w", err)
	}
	return nil
}

func loadUndo() (orchestrator.UndoToken, error) {
	var tok orchestrator.UndoToken
	data, err := os.ReadFile(undoPath())
	if errors.Is(err, fs.ErrNotExist) {
		return tok, errors.New("nothing to undo")
	}
	if err != nil {
		return tok, fmt.Errorf("failed to read undo: %w", err)
	}
	if err := yaml.Unmarshal(data, &tok); err != nil {
		return tok, fmt.Errorf("failed to parse undo: %w", err)
	}
	return tok, nil
}

func clearUndo() {
	if err := os.Remove(undoPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WithError(err).Warn("Failed to clear undo")
	}
}
