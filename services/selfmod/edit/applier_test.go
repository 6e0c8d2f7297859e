// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memFS(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, name, []byte(content), 0644))
	}
	return fsys
}

func read(t *testing.T, fsys afero.Fs, name string) string {
	t.Helper()
	data, err := afero.ReadFile(fsys, name)
	require.NoError(t, err)
	return string(data)
}

func TestApply_ReplaceFirstOccurrenceOnly(t *testing.T) {
	fsys := memFS(t, map[string]string{"a.txt": "foo bar foo\n"})
	a := NewApplier(nil)

	r := a.ApplyFS(plan.New("p", "", plan.NewReplace("a.txt", "foo", "baz", "")), fsys)

	require.True(t, r.Success, r.Messages())
	assert.Equal(t, "baz bar foo\n", read(t, fsys, "a.txt"))
	assert.Equal(t, []string{"a.txt"}, r.Touched)
}

func TestApply_ReplaceMissingSearchContinues(t *testing.T) {
	fsys := memFS(t, map[string]string{"a.txt": "hello\n", "b.txt": "one\n"})
	a := NewApplier(nil)

	p := plan.New("p", "",
		plan.NewReplace("a.txt", "absent", "x", ""),
		plan.NewAppend("b.txt", "two\n", ""),
	)
	r := a.ApplyFS(p, fsys)

	assert.False(t, r.Success)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, 0, r.Errors[0].Index)
	assert.Equal(t, plan.OpReplace, r.Errors[0].Op)
	assert.Contains(t, r.Errors[0].Message, "search text not found in a.txt")
	assert.Equal(t, 1, r.Applied)
	assert.Equal(t, "hello\n", read(t, fsys, "a.txt"))
	assert.Equal(t, "one\ntwo\n", read(t, fsys, "b.txt"))
}

func TestApply_AppendCreatesFileAndParents(t *testing.T) {
	fsys := afero.NewMemMapFs()
	r := NewApplier(nil).ApplyFS(plan.New("p", "", plan.NewAppend("new/dir/file.md", "# title\n", "")), fsys)

	require.True(t, r.Success, r.Messages())
	assert.Equal(t, "# title\n", read(t, fsys, "new/dir/file.md"))
}

func TestApply_DeleteAbsentIsNoop(t *testing.T) {
	fsys := memFS(t, map[string]string{"gone.txt": "x"})
	p := plan.New("p", "",
		plan.NewDelete("gone.txt", ""),
		plan.NewDelete("never-existed.txt", ""),
	)
	r := NewApplier(nil).ApplyFS(p, fsys)

	require.True(t, r.Success, r.Messages())
	exists, err := afero.Exists(fsys, "gone.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestApply_DeleteDirectoryFails(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("pkg", 0755))
	r := NewApplier(nil).ApplyFS(plan.New("p", "", plan.NewDelete("pkg", "")), fsys)
	assert.False(t, r.Success)
}

func TestApply_MissingTargetForReplaceAndPatch(t *testing.T) {
	fsys := afero.NewMemMapFs()
	p := plan.New("p", "",
		plan.NewReplace("x.go", "a", "b", ""),
		plan.NewPatch("y.go", "-a\n+b\n", ""),
	)
	r := NewApplier(nil).ApplyFS(p, fsys)

	require.Len(t, r.Errors, 2)
	assert.Contains(t, r.Errors[0].Message, "does not exist")
	assert.Contains(t, r.Errors[1].Message, "does not exist")
	assert.Empty(t, r.Touched)
}

func TestApply_PatchForms(t *testing.T) {
	original := "package main\n\nfunc main() {\n\tprintln(\"a\")\n}\n"
	want := "package main\n\nfunc main() {\n\tprintln(\"b\")\n}\n"

	tests := []struct {
		name string
		body string
	}{
		{
			name: "bare block",
			body: "-\tprintln(\"a\")\n+\tprintln(\"b\")\n",
		},
		{
			name: "bare block with context",
			body: " func main() {\n-\tprintln(\"a\")\n+\tprintln(\"b\")\n }\n",
		},
		{
			name: "hunk",
			body: "@@ -3,3 +3,3 @@\n func main() {\n-\tprintln(\"a\")\n+\tprintln(\"b\")\n }\n",
		},
		{
			name: "file diff",
			body: "--- a/main.go\n+++ b/main.go\n@@ -3,3 +3,3 @@\n func main() {\n-\tprintln(\"a\")\n+\tprintln(\"b\")\n }\n",
		},
		{
			name: "hunk with wrong counts",
			body: "@@ -3,9 +3,9 @@\n func main() {\n-\tprintln(\"a\")\n+\tprintln(\"b\")\n }\n",
		},
		{
			name: "stale line number",
			body: "@@ -40,3 +40,3 @@\n func main() {\n-\tprintln(\"a\")\n+\tprintln(\"b\")\n }\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := memFS(t, map[string]string{"main.go": original})
			r := NewApplier(nil).ApplyFS(plan.New("p", "", plan.NewPatch("main.go", tt.body, "")), fsys)
			require.True(t, r.Success, r.Messages())
			assert.Equal(t, want, read(t, fsys, "main.go"))
		})
	}
}

func TestApply_PatchMismatch(t *testing.T) {
	fsys := memFS(t, map[string]string{"main.go": "package main\n"})
	r := NewApplier(nil).ApplyFS(plan.New("p", "", plan.NewPatch("main.go", " package other\n+// x\n", "")), fsys)

	require.False(t, r.Success)
	assert.Contains(t, r.Errors[0].Message, "does not match")
	assert.Equal(t, "package main\n", read(t, fsys, "main.go"))
}

func TestApply_PatchRejectsUnprefixedLines(t *testing.T) {
	fsys := memFS(t, map[string]string{"main.go": "package main\n"})
	r := NewApplier(nil).ApplyFS(plan.New("p", "", plan.NewPatch("main.go", "package main\n", "")), fsys)

	require.False(t, r.Success)
	assert.Contains(t, r.Errors[0].Message, "invalid patch")
}

func TestApplyHunks_NearestOccurrence(t *testing.T) {
	content := "x\nsame\ny\nsame\nz\n"
	hs, err := parsePatch("@@ -4,1 +4,1 @@\n-same\n+changed\n")
	require.NoError(t, err)

	out, err := applyHunks(content, hs)
	require.NoError(t, err)
	assert.Equal(t, "x\nsame\ny\nchanged\nz\n", out)
}

func TestApplyHunks_MultipleHunksShiftOffsets(t *testing.T) {
	content := "a\nb\nc\nd\ne\nf\n"
	body := "@@ -1,2 +1,3 @@\n a\n+a2\n b\n@@ -5,2 +6,1 @@\n-e\n f\n"
	hs, err := parsePatch(body)
	require.NoError(t, err)
	require.Len(t, hs, 2)

	out, err := applyHunks(content, hs)
	require.NoError(t, err)
	assert.Equal(t, "a\na2\nb\nc\nd\nf\n", out)
}

func TestApplyHunks_PureInsertionAndNoTrailingNewline(t *testing.T) {
	out, err := applyHunks("one\ntwo", []hunk{{start: 2, new: []string{"inserted"}}})
	require.NoError(t, err)
	assert.Equal(t, "one\ninserted\ntwo", out)
}

func TestApply_PreservesModeAndUsesWorkspaceRoot(t *testing.T) {
	ws := t.TempDir()
	script := filepath.Join(ws, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho old\n"), 0755))
	require.NoError(t, os.Chmod(script, 0755))

	p := plan.New("p", "",
		plan.NewReplace("run.sh", "old", "new", ""),
		plan.NewAppend("../escape.txt", "x", ""),
	)
	r := NewApplier(nil).Apply(p, ws)

	require.Len(t, r.Errors, 1)
	assert.Equal(t, 1, r.Errors[0].Index)
	_, err := os.Stat(filepath.Join(filepath.Dir(ws), "escape.txt"))
	assert.True(t, os.IsNotExist(err))

	info, err := os.Stat(script)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	data, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho new\n", string(data))

	entries, err := os.ReadDir(ws)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestApply_NilPlan(t *testing.T) {
	r := NewApplier(nil).ApplyFS(nil, afero.NewMemMapFs())
	assert.False(t, r.Success)
	require.Len(t, r.Errors, 1)
}

func TestApply_DuplicateTargetsTouchedOnce(t *testing.T) {
	fsys := memFS(t, map[string]string{"a.txt": "1\n"})
	p := plan.New("p", "",
		plan.NewAppend("a.txt", "2\n", ""),
		plan.NewAppend("a.txt", "3\n", ""),
	)
	r := NewApplier(nil).ApplyFS(p, fsys)
	require.True(t, r.Success)
	assert.Equal(t, []string{"a.txt"}, r.Touched)
	assert.Equal(t, "1\n2\n3\n", read(t, fsys, "a.txt"))
}
