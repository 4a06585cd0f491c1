// Package doctype defines the closed set of office applications under test
// and the file types each of them is exercised with.
//
// Every per-application fact (the file-type directories, which of those the
// application opens natively, the round-trip target format and the process
// image name used for force-kill) lives in one table. Callers switch on
// Application values, never on strings.
package doctype

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Application identifies the office application whose compatibility is tested.
type Application int

const (
	Word Application = iota + 1
	Excel
	PowerPoint
)

// Profile is the static description of one Application.
type Profile struct {
	// Name is the canonical lower-case name used in configuration.
	Name string

	// FileTypes are the corpus directory names (and file extensions) tested
	// for this application, in processing order.
	FileTypes []string

	// Native lists the file types the application opens directly. Other
	// types are only converted, never opened in their original form.
	Native []string

	// Target is the format every file is round-tripped to.
	Target string

	// Process is the executable image name used when force-killing.
	Process string
}

var profiles = map[Application]Profile{
	Word: {
		Name:      "word",
		FileTypes: []string{"doc", "docx", "odt", "rtf"},
		Native:    []string{"doc", "docx", "rtf"},
		Target:    "docx",
		Process:   "WINWORD",
	},
	Excel: {
		Name:      "excel",
		FileTypes: []string{"xls", "xlsx", "ods"},
		Native:    []string{"xls", "xlsx"},
		Target:    "xlsx",
		Process:   "EXCEL",
	},
	PowerPoint: {
		Name:      "powerpoint",
		FileTypes: []string{"ppt", "pptx", "odp"},
		Native:    []string{"ppt", "pptx"},
		Target:    "pptx",
		Process:   "POWERPNT",
	},
}

// Applications returns every known application in a stable order.
func Applications() []Application {
	return []Application{Word, Excel, PowerPoint}
}

// ParseApplication resolves a configuration name to an Application.
func ParseApplication(name string) (Application, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, app := range Applications() {
		if profiles[app].Name == n {
			return app, nil
		}
	}
	return 0, fmt.Errorf("unknown application %q (expected word, excel or powerpoint)", name)
}

// Valid reports whether a is one of the defined applications.
func (a Application) Valid() bool {
	_, ok := profiles[a]
	return ok
}

func (a Application) String() string {
	if p, ok := profiles[a]; ok {
		return p.Name
	}
	return fmt.Sprintf("application(%d)", int(a))
}

// Profile returns the static description of a.
func (a Application) Profile() Profile {
	return profiles[a]
}

// FileTypes returns the file types tested for a.
func (a Application) FileTypes() []string {
	return slices.Clone(profiles[a].FileTypes)
}

// Target returns the round-trip target format of a.
func (a Application) Target() string {
	return profiles[a].Target
}

// Process returns the executable image name of a.
func (a Application) Process() string {
	return profiles[a].Process
}

// IsNative reports whether a opens fileType without conversion.
func (a Application) IsNative(fileType string) bool {
	return slices.Contains(profiles[a].Native, strings.ToLower(fileType))
}

// HasFileType reports whether fileType is tested for a.
func (a Application) HasFileType(fileType string) bool {
	return slices.Contains(profiles[a].FileTypes, strings.ToLower(fileType))
}

// ForFileType returns the application that tests fileType.
func ForFileType(fileType string) (Application, bool) {
	for _, app := range Applications() {
		if app.HasFileType(fileType) {
			return app, true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (a Application) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid application %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Application) UnmarshalText(b []byte) error {
	parsed, err := ParseApplication(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// FileRecord is a document in the corpus. Type is the name of the directory
// the file was found in; Name is the bare file name including extension.
type FileRecord struct {
	Type string
	Name string
}

// Ext returns the lower-cased extension of Name, including the dot.
func (r FileRecord) Ext() string {
	return strings.ToLower(filepath.Ext(r.Name))
}

// Item returns the work item that carries r through the pipeline.
func (r FileRecord) Item() WorkItem {
	return WorkItem{Type: r.Type, Name: r.Name}
}

// WorkItem is the unit handed between pipeline stages. Paths are always
// re-derived from the item so stages never share path strings.
type WorkItem struct {
	Type string
	Name string
}

func (w WorkItem) String() string {
	return w.Type + "/" + w.Name
}

// Stem returns the file name without its final extension.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ConvertedName returns the name of name after conversion to target.
func ConvertedName(name, target string) string {
	return Stem(name) + "." + target
}
