// Package ledger persists per-file outcomes and cumulative timings across
// runs so an interrupted campaign can resume where it stopped.
//
// Each file type owns four plain-text lists in the state directory, one file
// name per line, sorted:
//
//	<dir>/<type>-failOpenOriginalFiles.txt
//	<dir>/<type>-passOpenOriginalFiles.txt
//	<dir>/<type>-failConvertFiles.txt
//	<dir>/<type>-failOpenConvertedFiles.txt
//
// Every insertion is also appended to "<list>.tmp" as it happens. The temp
// log is folded back into the list on the next Load, so a crash loses no
// outcomes, and removed by a clean Save.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// List identifies one of the per-type outcome lists.
type List int

const (
	FailOpenOriginal List = iota
	PassOpenOriginal
	FailConvert
	FailOpenConverted
)

var listSuffixes = map[List]string{
	FailOpenOriginal:  "failOpenOriginalFiles.txt",
	PassOpenOriginal:  "passOpenOriginalFiles.txt",
	FailConvert:       "failConvertFiles.txt",
	FailOpenConverted: "failOpenConvertedFiles.txt",
}

func (l List) String() string {
	return strings.TrimSuffix(listSuffixes[l], "Files.txt")
}

// Phase names a timed stage of the pipeline.
type Phase string

const (
	PhaseOpenOriginal  Phase = "openOriginal"
	PhaseConvert       Phase = "convert"
	PhaseOpenConverted Phase = "openConverted"
)

const tempSuffix = ".tmp"

// outcomeSet is one list for one file type.
type outcomeSet struct {
	entries map[string]struct{}
	// added holds names inserted since Load, including names recovered
	// from a temp log.
	added map[string]struct{}
	// rewrite forces Save to write the list even when added is empty.
	rewrite bool
}

func newOutcomeSet() *outcomeSet {
	return &outcomeSet{
		entries: make(map[string]struct{}),
		added:   make(map[string]struct{}),
	}
}

// family is a group of lists guarded by one mutex.
type family struct {
	mu   sync.Mutex
	sets map[List]map[string]*outcomeSet
}

func newFamily(lists ...List) *family {
	f := &family{sets: make(map[List]map[string]*outcomeSet, len(lists))}
	for _, l := range lists {
		f.sets[l] = make(map[string]*outcomeSet)
	}
	return f
}

// set returns the set for (list, fileType), creating it. Caller holds mu.
func (f *family) set(list List, fileType string) *outcomeSet {
	byType := f.sets[list]
	s, ok := byType[fileType]
	if !ok {
		s = newOutcomeSet()
		byType[fileType] = s
	}
	return s
}

// Ledger is the persistent run state of one campaign.
//
// Open-original outcomes, conversion outcomes and timings are guarded by
// independent locks. Ledger is safe for concurrent use. Disk errors are
// logged and never returned to callers that record outcomes.
type Ledger struct {
	dir string
	log *zap.Logger

	original *family
	convert  *family

	timingMu     sync.Mutex
	timings      map[Phase]map[string]int64
	timingsDirty map[string]bool
}

// New creates a ledger rooted at dir. log may be nil.
func New(dir string, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		dir:          dir,
		log:          log,
		original:     newFamily(FailOpenOriginal, PassOpenOriginal),
		convert:      newFamily(FailConvert, FailOpenConverted),
		timings:      make(map[Phase]map[string]int64),
		timingsDirty: make(map[string]bool),
	}
}

// ListPath returns the canonical path of list for fileType.
func (l *Ledger) ListPath(list List, fileType string) string {
	return filepath.Join(l.dir, fileType+"-"+listSuffixes[list])
}

func (l *Ledger) timingPath(fileType string) string {
	return filepath.Join(l.dir, fileType+"-timeOpenOriginal.txt")
}

func (l *Ledger) familyOf(list List) *family {
	switch list {
	case FailOpenOriginal, PassOpenOriginal:
		return l.original
	default:
		return l.convert
	}
}

// Load reads the lists and the persisted timing for each file type.
// Missing files are empty sets. Entries found only in a temp log are
// merged in and marked for rewrite.
func (l *Ledger) Load(fileTypes []string) {
	for _, ft := range fileTypes {
		for list := range listSuffixes {
			l.loadList(list, ft)
		}
		l.loadTiming(ft)

		l.original.mu.Lock()
		for name := range l.original.set(FailOpenOriginal, ft).entries {
			withdrawPass(l.original, ft, name)
		}
		l.original.mu.Unlock()
	}
}

// withdrawPass removes name from the pass list. Caller holds fam.mu.
func withdrawPass(fam *family, fileType, name string) {
	pass := fam.set(PassOpenOriginal, fileType)
	if _, ok := pass.entries[name]; !ok {
		return
	}
	delete(pass.entries, name)
	delete(pass.added, name)
	pass.rewrite = true
}

func (l *Ledger) loadList(list List, fileType string) {
	fam := l.familyOf(list)
	path := l.ListPath(list, fileType)

	canonical, err := readLines(path)
	if err != nil {
		l.log.Warn("Failed to read ledger list", zap.String("path", path), zap.Error(err))
	}
	pending, err := readLines(path + tempSuffix)
	if err != nil {
		l.log.Warn("Failed to read ledger temp log", zap.String("path", path+tempSuffix), zap.Error(err))
	}

	fam.mu.Lock()
	defer fam.mu.Unlock()

	s := fam.set(list, fileType)
	for _, name := range canonical {
		s.entries[name] = struct{}{}
	}
	recovered := 0
	for _, name := range pending {
		if _, ok := s.entries[name]; ok {
			continue
		}
		s.entries[name] = struct{}{}
		s.added[name] = struct{}{}
		recovered++
	}
	if recovered > 0 {
		l.log.Info("Recovered ledger entries from temp log",
			zap.String("file_type", fileType),
			zap.String("list", list.String()),
			zap.Int("entries", recovered))
	}
}

func (l *Ledger) loadTiming(fileType string) {
	path := l.timingPath(fileType)
	lines, err := readLines(path)
	if err != nil {
		l.log.Warn("Failed to read timing", zap.String("path", path), zap.Error(err))
		return
	}
	if len(lines) == 0 {
		return
	}
	ms, err := strconv.ParseInt(lines[0], 10, 64)
	if err != nil {
		l.log.Warn("Ignoring malformed timing", zap.String("path", path), zap.Error(err))
		return
	}

	l.timingMu.Lock()
	defer l.timingMu.Unlock()
	l.phaseTimings(PhaseOpenOriginal)[fileType] = ms
}

// IsKnownFailOriginal reports whether name failed to open in any run.
func (l *Ledger) IsKnownFailOriginal(fileType, name string) bool {
	return l.contains(FailOpenOriginal, fileType, name)
}

// IsKnownPassOriginal reports whether name opened successfully in any run.
func (l *Ledger) IsKnownPassOriginal(fileType, name string) bool {
	return l.contains(PassOpenOriginal, fileType, name)
}

func (l *Ledger) contains(list List, fileType, name string) bool {
	fam := l.familyOf(list)
	fam.mu.Lock()
	defer fam.mu.Unlock()
	_, ok := fam.set(list, fileType).entries[name]
	return ok
}

// RecordFailOpenOriginal records an open failure. A failed file is never
// also listed as passed, so any earlier pass is withdrawn.
func (l *Ledger) RecordFailOpenOriginal(fileType, name string) {
	l.original.mu.Lock()
	defer l.original.mu.Unlock()

	l.recordLocked(l.original, FailOpenOriginal, fileType, name)
	withdrawPass(l.original, fileType, name)
}

func (l *Ledger) RecordPassOpenOriginal(fileType, name string) {
	l.record(PassOpenOriginal, fileType, name)
}

func (l *Ledger) RecordFailConvert(fileType, name string) {
	l.record(FailConvert, fileType, name)
}

func (l *Ledger) RecordFailOpenConverted(fileType, name string) {
	l.record(FailOpenConverted, fileType, name)
}

// record inserts name once. Repeated calls are no-ops.
func (l *Ledger) record(list List, fileType, name string) {
	fam := l.familyOf(list)
	fam.mu.Lock()
	defer fam.mu.Unlock()
	l.recordLocked(fam, list, fileType, name)
}

// recordLocked is record with fam.mu already held.
func (l *Ledger) recordLocked(fam *family, list List, fileType, name string) {
	s := fam.set(list, fileType)
	if _, ok := s.entries[name]; ok {
		return
	}
	s.entries[name] = struct{}{}
	s.added[name] = struct{}{}

	path := l.ListPath(list, fileType) + tempSuffix
	if err := appendLine(path, name); err != nil {
		l.log.Warn("Failed to append ledger temp log",
			zap.String("path", path),
			zap.String("file", name),
			zap.Error(err))
	}
}

// ResetRunScoped empties the conversion lists of fileType so they reflect
// only the current run. The lists are rewritten by the next Save even when
// nothing new is recorded.
func (l *Ledger) ResetRunScoped(fileType string, lists ...List) {
	l.convert.mu.Lock()
	defer l.convert.mu.Unlock()
	for _, list := range lists {
		if list != FailConvert && list != FailOpenConverted {
			continue
		}
		s := newOutcomeSet()
		s.rewrite = true
		l.convert.sets[list][fileType] = s
		_ = os.Remove(l.ListPath(list, fileType) + tempSuffix)
	}
}

// Count returns the number of names in list for fileType.
func (l *Ledger) Count(list List, fileType string) int {
	fam := l.familyOf(list)
	fam.mu.Lock()
	defer fam.mu.Unlock()
	return len(fam.set(list, fileType).entries)
}

// Names returns the sorted names in list for fileType.
func (l *Ledger) Names(list List, fileType string) []string {
	fam := l.familyOf(list)
	fam.mu.Lock()
	defer fam.mu.Unlock()
	return sortedKeys(fam.set(list, fileType).entries)
}

// AddTime adds ms to the cumulative time of phase for fileType.
func (l *Ledger) AddTime(phase Phase, fileType string, ms int64) {
	l.timingMu.Lock()
	defer l.timingMu.Unlock()
	l.phaseTimings(phase)[fileType] += ms
	if phase == PhaseOpenOriginal {
		l.timingsDirty[fileType] = true
	}
}

// Time returns the cumulative milliseconds of phase for fileType.
func (l *Ledger) Time(phase Phase, fileType string) int64 {
	l.timingMu.Lock()
	defer l.timingMu.Unlock()
	return l.phaseTimings(phase)[fileType]
}

func (l *Ledger) phaseTimings(phase Phase) map[string]int64 {
	m, ok := l.timings[phase]
	if !ok {
		m = make(map[string]int64)
		l.timings[phase] = m
	}
	return m
}

// Save rewrites every list that gained entries since Load, removes the
// corresponding temp logs and persists the open-original timings. Lists
// that did not change are left untouched. Errors are logged; the first
// one is returned for callers that want to surface it.
func (l *Ledger) Save() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, fam := range []*family{l.original, l.convert} {
		keep(l.saveFamily(fam))
	}
	keep(l.saveTimings())
	return firstErr
}

func (l *Ledger) saveFamily(fam *family) error {
	fam.mu.Lock()
	defer fam.mu.Unlock()

	var firstErr error
	for list, byType := range fam.sets {
		for fileType, s := range byType {
			path := l.ListPath(list, fileType)
			if len(s.added) > 0 || s.rewrite {
				if err := writeLinesAtomic(path, sortedKeys(s.entries)); err != nil {
					l.log.Error("Failed to write ledger list", zap.String("path", path), zap.Error(err))
					if firstErr == nil {
						firstErr = err
					}
					// Keep the temp log so the next Load recovers the entries.
					continue
				}
				s.added = make(map[string]struct{})
				s.rewrite = false
			}
			if err := os.Remove(path + tempSuffix); err != nil && !os.IsNotExist(err) {
				l.log.Warn("Failed to remove ledger temp log", zap.String("path", path+tempSuffix), zap.Error(err))
			}
		}
	}
	return firstErr
}

func (l *Ledger) saveTimings() error {
	l.timingMu.Lock()
	defer l.timingMu.Unlock()

	var firstErr error
	for fileType, dirty := range l.timingsDirty {
		if !dirty {
			continue
		}
		ms := l.phaseTimings(PhaseOpenOriginal)[fileType]
		path := l.timingPath(fileType)
		if err := writeLinesAtomic(path, []string{strconv.FormatInt(ms, 10)}); err != nil {
			l.log.Error("Failed to write timing", zap.String("path", path), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		l.timingsDirty[fileType] = false
	}
	return firstErr
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeLinesAtomic(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".write.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename list file: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
