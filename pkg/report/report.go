// Package report renders per-file-type pass/fail tables from a run summary
// or from the persisted ledger.
package report

import (
	"fmt"

	"github.com/3leaps/roundtrip/pkg/corpus"
	"github.com/3leaps/roundtrip/pkg/doctype"
	"github.com/3leaps/roundtrip/pkg/ledger"
	"github.com/3leaps/roundtrip/pkg/pipeline"
)

// Row is the report line of one file type.
type Row struct {
	FileType          string
	Total             int64
	FailOpen          int64
	Tested            int64
	FailConvert       int64
	FailOpenConverted int64
	Succeeded         int64
}

// Header is the column order shared by every output format.
var Header = []string{
	"file_type",
	"total",
	"fail_open",
	"tested",
	"fail_convert",
	"fail_convert_pct",
	"fail_open_converted",
	"fail_open_converted_pct",
	"succeeded",
	"succeeded_pct",
}

// Percent returns n as a percentage of Tested.
func (r Row) Percent(n int64) float64 {
	if r.Tested == 0 {
		return 0
	}
	return float64(n) * 100 / float64(r.Tested)
}

// Cells returns the row formatted in Header order.
func (r Row) Cells() []string {
	return []string{
		r.FileType,
		fmt.Sprint(r.Total),
		fmt.Sprint(r.FailOpen),
		fmt.Sprint(r.Tested),
		fmt.Sprint(r.FailConvert),
		FormatPercent(r.Percent(r.FailConvert)),
		fmt.Sprint(r.FailOpenConverted),
		FormatPercent(r.Percent(r.FailOpenConverted)),
		fmt.Sprint(r.Succeeded),
		FormatPercent(r.Percent(r.Succeeded)),
	}
}

// FormatPercent renders p with one decimal, e.g. "66.7%".
func FormatPercent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}

// FromSummary builds rows from a finished run, followed by a totals row
// when more than one file type was tested.
func FromSummary(s *pipeline.Summary) []Row {
	rows := make([]Row, 0, len(s.Types)+1)
	for _, ts := range s.Types {
		rows = append(rows, rowFromStats(ts))
	}
	if len(s.Types) > 1 {
		rows = append(rows, rowFromStats(s.Totals()))
	}
	return rows
}

func rowFromStats(ts pipeline.TypeStats) Row {
	return Row{
		FileType:          ts.FileType,
		Total:             ts.Total,
		FailOpen:          ts.FailOpen,
		Tested:            ts.Tested,
		FailConvert:       ts.FailConvert,
		FailOpenConverted: ts.FailOpenConverted,
		Succeeded:         ts.Succeeded,
	}
}

// FromLedger rebuilds rows offline from the persisted lists and the corpus
// on disk. Only ledger entries naming files still in the corpus count.
// Originals of non-native types are never opened, so every such file
// counts as tested. The ledger must already be loaded.
func FromLedger(app doctype.Application, fileTypes []string, layout corpus.Layout, adm *corpus.Admission, l *ledger.Ledger) ([]Row, error) {
	rows := make([]Row, 0, len(fileTypes)+1)
	var total Row
	total.FileType = "all"

	for _, ft := range fileTypes {
		records, err := layout.Enumerate(ft)
		if err != nil {
			return nil, err
		}
		present := make(map[string]struct{}, len(records))
		for _, r := range records {
			if adm.HasExtension(r.Name) && !adm.IsLockFile(r.Name) {
				present[r.Name] = struct{}{}
			}
		}
		count := func(list ledger.List) int64 {
			var n int64
			for _, name := range l.Names(list, ft) {
				if _, ok := present[name]; ok {
					n++
				}
			}
			return n
		}

		r := Row{
			FileType:          ft,
			Total:             int64(len(present)),
			FailOpen:          count(ledger.FailOpenOriginal),
			FailConvert:       count(ledger.FailConvert),
			FailOpenConverted: count(ledger.FailOpenConverted),
		}
		if app.IsNative(ft) {
			r.Tested = r.FailOpen + count(ledger.PassOpenOriginal)
		} else {
			r.Tested = r.Total
		}
		r.Succeeded = max(r.Tested-r.FailOpen-r.FailConvert-r.FailOpenConverted, 0)
		rows = append(rows, r)

		total.Total += r.Total
		total.FailOpen += r.FailOpen
		total.Tested += r.Tested
		total.FailConvert += r.FailConvert
		total.FailOpenConverted += r.FailOpenConverted
		total.Succeeded += r.Succeeded
	}
	if len(fileTypes) > 1 {
		rows = append(rows, total)
	}
	return rows, nil
}
