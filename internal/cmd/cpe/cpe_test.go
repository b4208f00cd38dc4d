package cpe

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbolytics/cpemirror/pkg/cpe"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestParseCommand(t *testing.T) {
	out, _, err := execute(t, "parse", "cpe:/o:linux:linux_kernel:2.6.0")
	require.NoError(t, err)

	var rec cpe.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "cpe:2.3:o:linux:linux_kernel:2.6.0:*:*:*:*:*:*:*", rec.Name)
	assert.Equal(t, cpe.TypeOperatingSystem, rec.Type)
}

func TestParseCommandReportsInvalidIdentifiers(t *testing.T) {
	out, stderr, err := execute(t, "parse", "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*", "not a cpe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "acme")
	assert.NotEmpty(t, stderr)
}

func TestScanCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvdcpematch-1.0.json")
	doc := `{"matches": [
		{"cpe23Uri": "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*"},
		{"cpe23Uri": "cpe:2.3:o:acme:os:2:*:*:*:*:*:*:*"}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	out, _, err := execute(t, "scan", "--variant", "json-matches", "--records", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "cpe:2.3:o:acme:os:2")
}
