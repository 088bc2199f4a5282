package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-compiler/internal/templates"
)

func TestLint_ShippedTemplates(t *testing.T) {
	templateDir = filepath.Join("..", "..", "..", "configs", "templates")
	require.NoError(t, lint(templates.DefaultMaxDepth))
	require.NoError(t, list())
}

func TestLint_ReportsBrokenDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
id: broken
intent: vehicle_reservation
endpoint: /reservations
method: POST
body:
  start: "{{start_time|shout}}"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(`
id: loop
extends: loop
`), 0o644))

	templateDir = dir
	err := lint(templates.DefaultMaxDepth)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 problem(s)")
}

func TestLint_EmptyDirectory(t *testing.T) {
	templateDir = t.TempDir()
	assert.Error(t, lint(templates.DefaultMaxDepth))
}
