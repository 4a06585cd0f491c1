package corpus

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/roundtrip/pkg/doctype"
)

// Verdict is the outcome of the admission filter for one file.
type Verdict string

const (
	Admitted     Verdict = "admitted"
	Skipped      Verdict = "skip_list"
	NotAllowed   Verdict = "not_allowed"
	BadExtension Verdict = "extension"
	NotSampled   Verdict = "not_sampled"
	LockFile     Verdict = "lock_file"
	KnownFailure Verdict = "known_failure"
)

// DefaultExtensions are the document extensions tested when none are configured.
var DefaultExtensions = []string{".odt", ".docx", ".doc", ".rtf", ".ods", ".xls", ".xlsx", ".odp", ".ppt", ".pptx"}

// DefaultLockPatterns match owner/lock files written next to open documents.
var DefaultLockPatterns = []string{"~$*", ".~lock.*#"}

// ErrInvalidPattern is returned when a lock pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// KnownFailures answers whether a file already failed to open in an earlier run.
type KnownFailures interface {
	IsKnownFailOriginal(fileType, name string) bool
}

// AdmissionConfig configures an Admission filter.
type AdmissionConfig struct {
	// SkipList names files that are never tested.
	SkipList []string

	// AllowList, when non-empty, restricts testing to exactly these names.
	AllowList []string

	// Extensions are the accepted file extensions, with leading dot.
	// Default: DefaultExtensions
	Extensions []string

	// SamplingPeriod P and SamplingOffset O admit every file whose 0-based
	// enumeration position i satisfies (i - O) mod P == 0.
	// Default: P=1, O=0
	SamplingPeriod int
	SamplingOffset int

	// LockPatterns are glob patterns for lock files.
	// Default: DefaultLockPatterns
	LockPatterns []string
}

// Admission decides which enumerated files a run tests. Filters apply in a
// fixed order: skip list, allow list, extension, sampling, lock file and
// finally prior known failure.
//
// Admission is safe for concurrent use after creation.
type Admission struct {
	skip       map[string]struct{}
	allow      map[string]struct{}
	extensions map[string]struct{}
	period     int
	offset     int
	locks      []string
	known      KnownFailures
}

// Decision pairs a corpus file with its verdict.
type Decision struct {
	doctype.FileRecord
	Verdict Verdict
}

// NewAdmission compiles cfg. known may be nil when no ledger is consulted.
func NewAdmission(cfg AdmissionConfig, known KnownFailures) (*Admission, error) {
	if cfg.SamplingPeriod <= 0 {
		cfg.SamplingPeriod = 1
	}
	if cfg.SamplingOffset < 0 || cfg.SamplingOffset >= cfg.SamplingPeriod {
		return nil, errors.New("sampling offset must be within [0, period)")
	}
	if cfg.Extensions == nil {
		cfg.Extensions = DefaultExtensions
	}
	if cfg.LockPatterns == nil {
		cfg.LockPatterns = DefaultLockPatterns
	}

	for _, p := range cfg.LockPatterns {
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
	}

	a := &Admission{
		skip:       toSet(cfg.SkipList, false),
		allow:      toSet(cfg.AllowList, false),
		extensions: toSet(cfg.Extensions, true),
		period:     cfg.SamplingPeriod,
		offset:     cfg.SamplingOffset,
		locks:      cfg.LockPatterns,
		known:      known,
	}
	return a, nil
}

// Select applies the filters to records, which must already be sorted by
// name. Sampling uses each record's 0-based position in records.
func (a *Admission) Select(records []doctype.FileRecord) []Decision {
	out := make([]Decision, 0, len(records))
	for i, r := range records {
		out = append(out, Decision{FileRecord: r, Verdict: a.decide(r.Type, r.Name, i)})
	}
	return out
}

// Admitted returns only the admitted records from Select.
func (a *Admission) Admitted(records []doctype.FileRecord) []doctype.FileRecord {
	var out []doctype.FileRecord
	for _, d := range a.Select(records) {
		if d.Verdict == Admitted {
			out = append(out, d.FileRecord)
		}
	}
	return out
}

// IsLockFile reports whether name matches a lock pattern.
func (a *Admission) IsLockFile(name string) bool {
	for _, p := range a.locks {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// HasExtension reports whether name carries an accepted extension.
func (a *Admission) HasExtension(name string) bool {
	_, ok := a.extensions[doctype.FileRecord{Name: name}.Ext()]
	return ok
}

func (a *Admission) decide(fileType, name string, i int) Verdict {
	if _, ok := a.skip[name]; ok {
		return Skipped
	}
	if len(a.allow) > 0 {
		if _, ok := a.allow[name]; !ok {
			return NotAllowed
		}
	}
	if !a.HasExtension(name) {
		return BadExtension
	}

	if (i-a.offset)%a.period != 0 {
		return NotSampled
	}

	if a.IsLockFile(name) {
		return LockFile
	}
	if a.known != nil && a.known.IsKnownFailOriginal(fileType, name) {
		return KnownFailure
	}
	return Admitted
}

func toSet(values []string, lower bool) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if lower {
			v = strings.ToLower(v)
		}
		set[v] = struct{}{}
	}
	return set
}
