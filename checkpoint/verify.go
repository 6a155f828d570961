package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"wanrunner/logger"
)

// FileStatus is the state of one expected file.
type FileStatus struct {
	Name        string
	Present     bool
	Size        int64
	Alternative string // optional files only: a differently named match
}

// Report is the result of checking a checkpoint directory.
type Report struct {
	Variant   string
	Dir       string
	Required  []FileStatus
	Optional  []FileStatus
	Tokenizer bool
}

// Complete reports whether every required file is present.
func (r Report) Complete() bool {
	for _, f := range r.Required {
		if !f.Present {
			return false
		}
	}
	return true
}

// Missing lists the absent required files.
func (r Report) Missing() []string {
	var out []string
	for _, f := range r.Required {
		if !f.Present {
			out = append(out, f.Name)
		}
	}
	return out
}

// Verify checks dir against the variant manifest. It only reports; a
// missing file is never an error.
func Verify(v Variant, dir string) Report {
	r := Report{Variant: v.Name, Dir: dir}
	for _, name := range v.Required {
		r.Required = append(r.Required, stat(dir, name))
	}
	for _, name := range v.Optional {
		fs := stat(dir, name)
		if !fs.Present {
			fs.Alternative = findAlternative(dir, v.SizeTag)
		}
		r.Optional = append(r.Optional, fs)
	}
	if v.TokenizerDir != "" {
		info, err := os.Stat(filepath.Join(dir, v.TokenizerDir))
		r.Tokenizer = err == nil && info.IsDir()
	}
	return r
}

// LogReport writes a report to the log, one line per file.
func LogReport(r Report) {
	logger.Infof("checkpoint %s (%s)", r.Dir, r.Variant)
	for _, f := range r.Required {
		if f.Present {
			logger.Infof("  ok      %s (%s)", f.Name, humanSize(f.Size))
		} else {
			logger.Warnf("  missing %s", f.Name)
		}
	}
	for _, f := range r.Optional {
		switch {
		case f.Present:
			logger.Infof("  ok      %s (%s)", f.Name, humanSize(f.Size))
		case f.Alternative != "":
			logger.Infof("  found   %s, may be the transformer weights", f.Alternative)
		default:
			logger.Warnf("  absent  %s (may use another name)", f.Name)
		}
	}
	if !r.Tokenizer {
		logger.Warnf("  tokenizer directory not found, run: %s", TokenizerHint(r.Variant))
	}
}

func stat(dir, name string) FileStatus {
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return FileStatus{Name: name}
	}
	return FileStatus{Name: name, Present: true, Size: info.Size()}
}

func findAlternative(dir, sizeTag string) string {
	if sizeTag == "" {
		return ""
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.pth"))
	for _, m := range matches {
		if strings.Contains(filepath.Base(m), sizeTag) {
			return filepath.Base(m)
		}
	}
	return ""
}

func humanSize(n int64) string {
	return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
}

// TokenizerHint is the command that downloads the tokenizer for variant.
func TokenizerHint(variant string) string {
	return fmt.Sprintf("wanrunner models fetch --tokenizer --variant %s", variant)
}
