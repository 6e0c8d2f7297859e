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
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// hunk is a normalized block of patch lines.
type hunk struct {
	// start is the 1-based original line the hunk claims to begin at, or 0
	// when unknown (bare blocks).
	start int

	// old holds context and removed lines; new holds context and added lines.
	old []string
	new []string
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,\d+)? \+\d+(?:,\d+)? @@`)

// parsePatch turns a patch body into hunks.
//
// Accepted forms, tried in order:
//
//  1. A single-file unified diff with ---/+++ headers (go-diff).
//  2. One or more @@ hunks without file headers (go-diff).
//  3. @@ hunks whose line counts are inconsistent (header start line only).
//  4. A bare block of lines prefixed with ' ', '-' or '+'.
func parsePatch(body string) ([]hunk, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errors.New("patch body is empty")
	}
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	if !strings.HasSuffix(normalized, "\n") {
		normalized += "\n"
	}

	if strings.HasPrefix(normalized, "--- ") || strings.HasPrefix(normalized, "diff ") {
		fd, err := diff.ParseFileDiff([]byte(normalized))
		if err == nil && len(fd.Hunks) > 0 {
			return fromDiffHunks(fd.Hunks), nil
		}
		// Drop the headers and fall through to the looser parsers.
		if idx := strings.Index(normalized, "\n@@"); idx >= 0 {
			normalized = normalized[idx+1:]
		}
	}

	if strings.HasPrefix(normalized, "@@") {
		if hs, err := diff.ParseHunks([]byte(normalized)); err == nil && len(hs) > 0 {
			return fromDiffHunks(hs), nil
		}
		return parseLooseHunks(normalized)
	}

	h, err := parseBlock(0, strings.Split(strings.TrimSuffix(normalized, "\n"), "\n"))
	if err != nil {
		return nil, err
	}
	return []hunk{h}, nil
}

func fromDiffHunks(hs []*diff.Hunk) []hunk {
	out := make([]hunk, 0, len(hs))
	for _, dh := range hs {
		h := hunk{start: int(dh.OrigStartLine)}
		for _, line := range strings.Split(strings.TrimSuffix(string(dh.Body), "\n"), "\n") {
			addLine(&h, line)
		}
		out = append(out, h)
	}
	return out
}

func parseLooseHunks(text string) ([]hunk, error) {
	var (
		out     []hunk
		current *hunk
		lines   []string
	)
	flush := func() error {
		if current == nil {
			return nil
		}
		h, err := parseBlock(current.start, lines)
		if err != nil {
			return err
		}
		out = append(out, h)
		return nil
	}

	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		if strings.HasPrefix(line, "@@") {
			if err := flush(); err != nil {
				return nil, err
			}
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("malformed hunk header %q", line)
			}
			start, _ := strconv.Atoi(m[1])
			current = &hunk{start: start}
			lines = nil
			continue
		}
		lines = append(lines, line)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseBlock(start int, lines []string) (hunk, error) {
	h := hunk{start: start}
	for i, line := range lines {
		if line != "" && !strings.ContainsAny(line[:1], " -+\\") {
			return hunk{}, fmt.Errorf("patch line %d has no ' ', '-' or '+' prefix: %q", i+1, line)
		}
		addLine(&h, line)
	}
	if len(h.old) == 0 && len(h.new) == 0 {
		return hunk{}, errors.New("patch contains no changes")
	}
	return h, nil
}

func addLine(h *hunk, line string) {
	switch {
	case line == "":
		// Editors strip the single space from blank context lines.
		h.old = append(h.old, "")
		h.new = append(h.new, "")
	case line[0] == ' ':
		h.old = append(h.old, line[1:])
		h.new = append(h.new, line[1:])
	case line[0] == '-':
		h.old = append(h.old, line[1:])
	case line[0] == '+':
		h.new = append(h.new, line[1:])
	case line[0] == '\\':
		// "\ No newline at end of file"
	}
}

// applyHunks applies hunks in order to content.
//
// Each hunk's old lines must appear verbatim in the current text. When they
// appear more than once, the occurrence nearest the hunk's stated start
// (shifted by earlier hunks) wins. Pure insertions go at the stated start.
func applyHunks(content string, hunks []hunk) (string, error) {
	trailingNewline := strings.HasSuffix(content, "\n") || content == ""
	var lines []string
	if content != "" {
		lines = strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	}

	offset := 0
	cursor := 0
	for i, h := range hunks {
		want := cursor
		if h.start > 0 {
			want = h.start - 1 + offset
		}

		var at int
		if len(h.old) == 0 {
			at = clamp(want, 0, len(lines))
		} else {
			at = nearestMatch(lines, h.old, want, cursor)
			if at < 0 {
				return "", fmt.Errorf("hunk %d does not match the file (expected near line %d: %q)",
					i+1, want+1, h.old[0])
			}
		}

		next := make([]string, 0, len(lines)-len(h.old)+len(h.new))
		next = append(next, lines[:at]...)
		next = append(next, h.new...)
		next = append(next, lines[at+len(h.old):]...)
		lines = next

		offset += len(h.new) - len(h.old)
		cursor = at + len(h.new)
	}

	out := strings.Join(lines, "\n")
	if trailingNewline && len(lines) > 0 {
		out += "\n"
	}
	return out, nil
}

// nearestMatch returns the index >= min where block occurs in lines closest
// to want, or -1.
func nearestMatch(lines, block []string, want, min int) int {
	best := -1
	bestDist := 0
	for i := min; i+len(block) <= len(lines); i++ {
		if !matchesAt(lines, block, i) {
			continue
		}
		d := i - want
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func matchesAt(lines, block []string, at int) bool {
	for j, b := range block {
		if lines[at+j] != b {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
