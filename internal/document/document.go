// Package document lays out letter files on disk and resolves the static
// installation guides mailed alongside each letter type.
package document

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pitabwire/detention-letters/model"
)

// orderSubdir holds letters for orders created from an opportunity.
const orderSubdir = "Order"

// supplementary lists the guides sent with each letter type, in attach order.
var supplementary = map[model.LetterType][]string{
	model.LetterCMPLargeDiameter:                    {"NCSPA Installation Manual for CSP, Pipe Arches and Structural Plate.pdf"},
	model.LetterCMPDetention:                        {"CMP Detention Installation Guide.pdf"},
	model.LetterDuroMaxxCisternRWH:                  {"DuroMaxx SRPE-Tank Installation Guide.pdf"},
	model.LetterDuroMaxxContainmentTankNotification: {"DuroMaxx SRPE-Tank Installation Guide.pdf"},
	model.LetterDuroMaxxLargeDiameter:               {"DMX Installation Guide.pdf"},
	model.LetterDuroMaxxDetention:                   {"DMX Detention Installation Guide.pdf", "CMP Detention Installation Guide.pdf"},
	model.LetterDuroMaxxSewer:                       {"DuroMaxx SRPE-Tank Installation Guide.pdf"},
}

// Resolver finds supplementary documents under a base directory.
type Resolver struct {
	dir string
}

// NewResolver creates a resolver rooted at dir.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// DocumentsFor returns the absolute paths of the guides for letter, or nil
// for an unknown letter type.
func (r *Resolver) DocumentsFor(letter model.LetterType) []string {
	names := supplementary[letter]
	if len(names) == 0 {
		return nil
	}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(r.dir, name)
	}
	return paths
}

// Missing returns every configured guide that is not a readable file.
func (r *Resolver) Missing() []string {
	seen := make(map[string]bool)
	var missing []string
	for _, letter := range model.AllLetterTypes() {
		for _, path := range r.DocumentsFor(letter) {
			if seen[path] {
				continue
			}
			seen[path] = true
			if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
				missing = append(missing, path)
			}
		}
	}
	return missing
}

// AttachmentDir is the directory a summary's letters are written to.
func AttachmentDir(summary model.OrderSummary) string {
	if summary.OpportunityID != "" {
		return filepath.Join(summary.DocumentPath, orderSubdir)
	}
	return summary.DocumentPath
}

// FileName names a letter file: <ReportName>-<OrderNumber>_<yyyy-mm-dd>.pdf.
func FileName(letter model.LetterType, orderNumber string, day time.Time) string {
	return fmt.Sprintf("%s-%s_%s.pdf", letter.ReportName(), orderNumber, day.Format("2006-01-02"))
}

// WriteReport stores data at dir/name, replacing any existing file, and
// returns the number of bytes written. The directory must already exist.
func WriteReport(dir, name string, data []byte) (int64, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("attachment directory %q does not exist", dir)
	}
	if err != nil {
		return 0, fmt.Errorf("stat attachment directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("attachment path %q is not a directory", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := tmp.Write(data)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close report: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return 0, fmt.Errorf("chmod report: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return 0, fmt.Errorf("rename report: %w", err)
	}
	return int64(n), nil
}
