package worker

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog/log"
)

// driveLetterRE matches a leading Windows-style drive prefix such as
// "C:\" or "D:/" at the start of a path token embedded in project file
// text (spec §6 "Path translation").
var driveLetterRE = regexp.MustCompile(`\b[A-Za-z]:[\\/]`)

// TranslatePaths makes a best-effort mutated copy of a project file in a
// sibling temp_scripts/ directory with local drive prefixes rewritten to
// networkShare, returning the copy's path. On any failure the original
// path is returned unchanged and the error is logged, never propagated
// to the caller as fatal: this is a purely best-effort transform (spec
// §6: "if it fails the original file is used").
func TranslatePaths(projectPath, networkShare string) string {
	if networkShare == "" {
		return projectPath
	}
	data, err := os.ReadFile(projectPath)
	if err != nil {
		log.Warn().Err(err).Str("path", projectPath).Msg("path translation: read project file failed, using original")
		return projectPath
	}

	rewritten := driveLetterRE.ReplaceAll(data, []byte(networkShare))
	if string(rewritten) == string(data) {
		return projectPath
	}

	dir := filepath.Join(filepath.Dir(projectPath), "temp_scripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("path translation: create temp_scripts failed, using original")
		return projectPath
	}
	dest := filepath.Join(dir, filepath.Base(projectPath))
	if err := os.WriteFile(dest, rewritten, 0o644); err != nil {
		log.Warn().Err(err).Str("dest", dest).Msg("path translation: write translated copy failed, using original")
		return projectPath
	}
	return dest
}

// SafeWorkDir returns a local directory safe to use as a subprocess's
// working directory. UNC-style paths (\\host\share or //host/share)
// cannot be used as a shell cd target on some renderer invocations, so
// callers substitute scratchDir instead and pass absolute paths in the
// command list (spec §4.3 step 3, §9 "Path handling").
func SafeWorkDir(projectDir, scratchDir string) string {
	if isUNC(projectDir) {
		return scratchDir
	}
	return projectDir
}

func isUNC(p string) bool {
	return len(p) >= 2 && (p[:2] == `\\` || p[:2] == "//")
}
