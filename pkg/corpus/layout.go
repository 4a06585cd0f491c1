// Package corpus resolves the on-disk layout of a test corpus, enumerates
// its documents and decides which of them a run admits.
package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/3leaps/roundtrip/pkg/doctype"
)

// Directory names below the base directory.
const (
	DownloadDir  = "download"
	ConvertedDir = "converted"

	// ArtifactSuffix is appended to a document path to name the fixed-layout
	// rendition exported by the application under test.
	ArtifactSuffix = "_mso.pdf"
)

// Layout maps work items to paths below a base directory:
//
//	<base>/download/<type>/<name>
//	<base>/converted/<type>/<stem>.<target>
//
// All paths are derived on demand; nothing is cached.
type Layout struct {
	Base string
}

func NewLayout(base string) Layout {
	return Layout{Base: filepath.Clean(base)}
}

func (l Layout) SourceDir(fileType string) string {
	return filepath.Join(l.Base, DownloadDir, fileType)
}

func (l Layout) OutputDir(fileType string) string {
	return filepath.Join(l.Base, ConvertedDir, fileType)
}

// OriginalPath is where the untouched corpus document lives.
func (l Layout) OriginalPath(item doctype.WorkItem) string {
	return filepath.Join(l.SourceDir(item.Type), item.Name)
}

// ConvertedPath is where stage two writes the round-tripped document.
func (l Layout) ConvertedPath(item doctype.WorkItem, target string) string {
	return filepath.Join(l.OutputDir(item.Type), doctype.ConvertedName(item.Name, target))
}

// OriginalArtifactPath is the application's PDF export of the original.
func (l Layout) OriginalArtifactPath(item doctype.WorkItem) string {
	return l.OriginalPath(item) + ArtifactSuffix
}

// ConvertedArtifactPath is the application's PDF export of the converted file.
func (l Layout) ConvertedArtifactPath(item doctype.WorkItem, target string) string {
	return l.ConvertedPath(item, target) + ArtifactSuffix
}

// ConverterArtifactPath is the converter's own PDF rendition of the original.
func (l Layout) ConverterArtifactPath(item doctype.WorkItem) string {
	return filepath.Join(l.OutputDir(item.Type), doctype.ConvertedName(item.Name, "pdf"))
}

// EnsureOutputDirs creates the converted/<type> directories.
func (l Layout) EnsureOutputDirs(fileTypes []string) error {
	for _, ft := range fileTypes {
		if err := os.MkdirAll(l.OutputDir(ft), 0755); err != nil {
			return fmt.Errorf("create output dir for %s: %w", ft, err)
		}
	}
	return nil
}

// Enumerate lists the regular files in the source directory of fileType,
// sorted by name. A missing directory yields an empty list.
func (l Layout) Enumerate(fileType string) ([]doctype.FileRecord, error) {
	entries, err := os.ReadDir(l.SourceDir(fileType))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", l.SourceDir(fileType), err)
	}

	records := make([]doctype.FileRecord, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		records = append(records, doctype.FileRecord{Type: fileType, Name: e.Name()})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
