// Package dashboard derives the command-center figures and the weekly
// schedule matrix from a session's tables.
package dashboard

import (
	"strings"

	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/livesync"
	recorddomain "github.com/smallbiznis/carehub/internal/record/domain"
	"github.com/smallbiznis/carehub/internal/registry"
	visitdomain "github.com/smallbiznis/carehub/internal/visit/domain"
)

type Summary struct {
	ActiveCensus  int   `json:"active_census"`
	StaffOnShift  int   `json:"staff_on_shift"`
	UnbilledUnits int64 `json:"unbilled_units"`
	StaffTotal    int   `json:"staff_total"`
}

// Weekdays in matrix column order.
var Weekdays = []string{"MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN"}

type Day struct {
	Day     string              `json:"day"`
	Entries []docstore.Document `json:"entries"`
}

// Compute reads clients, staff and evv from tables. Missing tables count
// as empty.
func Compute(tables livesync.Tables) Summary {
	var s Summary
	for _, c := range tables[registry.Clients] {
		status := docstore.AsString(c.Fields[recorddomain.FieldStatus])
		if status != recorddomain.StatusDischarged && status != recorddomain.StatusArchived {
			s.ActiveCensus++
		}
	}
	for _, v := range tables[registry.EVV] {
		if docstore.AsString(v.Fields[recorddomain.FieldStatus]) != visitdomain.StatusCompleted {
			s.StaffOnShift++
			continue
		}
		if truthy(v.Fields["Billed"]) {
			continue
		}
		if units, ok := docstore.AsInt(v.Fields[visitdomain.FieldUnitsBilled]); ok {
			s.UnbilledUnits += units
		}
	}
	s.StaffTotal = len(tables[registry.Staff])
	return s
}

// WeeklyMatrix buckets schedule rows by the first three letters of
// Shift_Day. Rows with any other day are left out.
func WeeklyMatrix(schedule []docstore.Document) []Day {
	out := make([]Day, len(Weekdays))
	index := make(map[string]int, len(Weekdays))
	for i, d := range Weekdays {
		out[i] = Day{Day: d, Entries: []docstore.Document{}}
		index[d] = i
	}
	for _, row := range schedule {
		day := strings.ToUpper(strings.TrimSpace(docstore.AsString(row.Fields["Shift_Day"])))
		if len(day) > 3 {
			day = day[:3]
		}
		if i, ok := index[day]; ok {
			out[i].Entries = append(out[i].Entries, row)
		}
	}
	return out
}

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	default:
		n, ok := docstore.AsInt(b)
		return !ok || n != 0
	}
}
