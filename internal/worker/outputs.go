package worker

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// writeNodeFileRE finds write-node `file "…"` declarations in kind-A
// project files — the one renderer kind spec §4.3.1 says has a known,
// regex-matchable output declaration syntax.
var writeNodeFileRE = regexp.MustCompile(`(?i)file\s+"([^"]+)"`)

var (
	printfTokenRE = regexp.MustCompile(`%0?(\d*)d`)
	digitsRE      = regexp.MustCompile(`\d+`)
	hashTokenRE   = regexp.MustCompile(`#+`)
)

// OutputInfo is the result of best-effort output detection (spec
// §4.3.1). An empty OutputInfo is not an error: the render is still
// reported successful based on exit code alone.
type OutputInfo struct {
	Directories map[string][]string `json:"directories"` // dir -> file names found
	TotalCount  int                 `json:"total_count"`
	TotalSizeMB float64             `json:"total_size_mb"`
}

func (o *OutputInfo) add(dir, name string, size int64) {
	if o.Directories == nil {
		o.Directories = map[string][]string{}
	}
	o.Directories[dir] = append(o.Directories[dir], name)
	o.TotalCount++
	o.TotalSizeMB += float64(size) / (1024 * 1024)
}

var imageExtensions = []string{".exr", ".dpx", ".tif", ".tiff", ".png", ".jpg", ".jpeg", ".tga"}

// DetectOutputs parses projectPath for declared output patterns (kind A
// only — kinds B and C have no declared-output parsing), expands
// frame-number tokens against frames, and probes the filesystem. If
// nothing is found that way, for any kind, it falls back to scanning
// likely sibling directories for files whose basename contains a frame
// number.
func DetectOutputs(kind, projectPath string, frames []int) OutputInfo {
	var info OutputInfo
	projectDir := filepath.Dir(projectPath)

	if kind == "A" {
		if patterns := parseWriteNodePatterns(projectPath); len(patterns) > 0 {
			for _, pattern := range patterns {
				probePattern(&info, projectDir, pattern, frames)
			}
		}
	}

	if info.TotalCount == 0 {
		scanSiblingDirs(&info, projectDir, frames)
	}
	return info
}

func parseWriteNodePatterns(projectPath string) []string {
	data, err := os.ReadFile(projectPath)
	if err != nil {
		return nil
	}
	matches := writeNodeFileRE.FindAllStringSubmatch(string(data), -1)
	var out []string
	for _, m := range matches {
		if len(m) == 2 {
			out = append(out, m[1])
		}
	}
	return out
}

// probePattern expands %04d/####/%d/# and ".NNNN.ext" style tokens in
// pattern against each frame number and stats the resulting path.
func probePattern(info *OutputInfo, baseDir, pattern string, frames []int) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	for _, f := range frames {
		for _, candidate := range expandFrameTokens(pattern, f) {
			if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
				info.add(filepath.Dir(candidate), filepath.Base(candidate), st.Size())
			}
		}
	}
}

// expandFrameTokens substitutes a single frame number into every
// supported token style, returning the set of candidate paths to probe
// (spec §4.3.1: "%04d, ####, %d, #, and common .NNNN.ext suffixes").
func expandFrameTokens(pattern string, frame int) []string {
	var out []string

	if printfTokenRE.MatchString(pattern) {
		out = append(out, printfTokenRE.ReplaceAllStringFunc(pattern, func(tok string) string {
			width := 0
			if digits := digitsRE.FindString(tok); digits != "" {
				width, _ = strconv.Atoi(digits)
			}
			if width > 0 {
				return padInt(frame, width)
			}
			return strconv.Itoa(frame)
		}))
	}

	if hashTokenRE.MatchString(pattern) {
		out = append(out, hashTokenRE.ReplaceAllStringFunc(pattern, func(tok string) string {
			return padInt(frame, len(tok))
		}))
	}

	ext := filepath.Ext(pattern)
	stem := strings.TrimSuffix(pattern, ext)
	for _, width := range []int{4, 3, 5} {
		out = append(out, stem+"."+padInt(frame, width)+ext)
	}

	return out
}

func padInt(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// scanSiblingDirs falls back to scanning likely output directories for
// files whose basename contains one of the frame numbers and has a
// common image extension (spec §4.3.1 "scan likely sibling
// directories").
func scanSiblingDirs(info *OutputInfo, projectDir string, frames []int) {
	frameStrs := make([]string, len(frames))
	for i, f := range frames {
		frameStrs[i] = strconv.Itoa(f)
	}

	for _, sub := range []string{".", "renders", "output", "comp"} {
		dir := filepath.Join(projectDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if !hasImageExt(name) {
				continue
			}
			if !containsAnyFrame(name, frameStrs) {
				continue
			}
			if fi, err := e.Info(); err == nil {
				info.add(dir, name, fi.Size())
			}
		}
	}
}

func hasImageExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func containsAnyFrame(name string, frameStrs []string) bool {
	for _, f := range frameStrs {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}
