package ormerr

import (
	"fmt"
	"strings"
	"sync"
)

// Warning codes for advisory conditions. The documented behavior treats these
// as warnings rather than errors, but they must be surfaced deterministically.
const (
	WarnOverlappingForeignKeys = "overlapping_foreign_keys"
	WarnOneToOneMultipleRows   = "one_to_one_multiple_rows"
)

// Warning is an advisory condition surfaced through a structured channel
// rather than an error return.
type Warning struct {
	Code          string
	Entity        string
	Relationships []string
	Columns       []string
	Message       string
}

func (w Warning) String() string {
	parts := []string{w.Code}
	if w.Entity != "" {
		parts = append(parts, "entity="+w.Entity)
	}
	if len(w.Relationships) > 0 {
		parts = append(parts, "relationships="+strings.Join(w.Relationships, ","))
	}
	if len(w.Columns) > 0 {
		parts = append(parts, "columns="+strings.Join(w.Columns, ","))
	}
	if w.Message != "" {
		parts = append(parts, w.Message)
	}
	return strings.Join(parts, " ")
}

// OverlappingForeignKeys builds the configuration warning emitted when two
// non-viewonly relationships both write the same foreign key columns.
func OverlappingForeignKeys(entity string, relationships, columns []string) Warning {
	return Warning{
		Code:          WarnOverlappingForeignKeys,
		Entity:        entity,
		Relationships: relationships,
		Columns:       columns,
		Message:       "multiple non-viewonly relationships write these columns; flush order between them is undefined",
	}
}

// OneToOneMultipleRows builds the runtime warning emitted when a relationship
// declared as one-to-one yields more than one row.
func OneToOneMultipleRows(entity, relationship string, rows int) Warning {
	return Warning{
		Code:          WarnOneToOneMultipleRows,
		Entity:        entity,
		Relationships: []string{relationship},
		Message:       fmt.Sprintf("one-to-one relationship returned %d rows; first row used", rows),
	}
}

// WarningSink receives advisory warnings.
type WarningSink interface {
	Warn(Warning)
}

// CollectingSink retains warnings in order for later inspection. The zero
// value is ready to use and safe for concurrent emitters.
type CollectingSink struct {
	mu       sync.Mutex
	warnings []Warning
}

// Warn appends the warning.
func (s *CollectingSink) Warn(w Warning) {
	s.mu.Lock()
	s.warnings = append(s.warnings, w)
	s.mu.Unlock()
}

// Warnings returns a copy of the collected warnings.
func (s *CollectingSink) Warnings() []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Warning, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// DiscardSink drops all warnings.
type DiscardSink struct{}

// Warn implements WarningSink.
func (DiscardSink) Warn(Warning) {}
