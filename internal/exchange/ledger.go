package exchange

import (
	"errors"
	"sort"

	"github.com/xtrntr/marketsim/internal/models"
)

// Ledger is the append-only record of settlement outcomes. Each source
// (role, id) is accepted at most once, including sources whose rows were
// later hidden by Clear.
type Ledger struct {
	entries   []models.LedgerEntry
	seen      map[models.SourceKey]struct{}
	last      int64 // highest entry ID
	watermark int64 // entries with ID <= watermark are cleared
}

func NewLedger() *Ledger {
	return &Ledger{seen: make(map[models.SourceKey]struct{})}
}

// Has reports whether a source has already been settled
func (l *Ledger) Has(key models.SourceKey) bool {
	_, ok := l.seen[key]
	return ok
}

// Prepare drops rows whose source is already settled and assigns IDs to the
// rest in arrival order. A source repeated inside the batch is a defect; the
// repeats are dropped and reported as DuplicateSettlementErrors. Nothing is
// recorded until Commit.
func (l *Ledger) Prepare(batch []models.LedgerEntry) ([]models.LedgerEntry, error) {
	var (
		fresh []models.LedgerEntry
		dups  []error
	)
	inBatch := make(map[models.SourceKey]struct{}, len(batch))
	next := l.last
	for _, e := range batch {
		key := e.Source()
		if _, ok := inBatch[key]; ok {
			dups = append(dups, &DuplicateSettlementError{Source: key})
			continue
		}
		inBatch[key] = struct{}{}
		if l.Has(key) {
			continue
		}
		next++
		e.ID = next
		fresh = append(fresh, e)
	}
	return fresh, errors.Join(dups...)
}

// Commit records prepared rows. Rows must come from the latest Prepare.
func (l *Ledger) Commit(fresh []models.LedgerEntry) {
	for _, e := range fresh {
		l.seen[e.Source()] = struct{}{}
		if e.ID > l.last {
			l.last = e.ID
		}
		l.entries = append(l.entries, e)
	}
}

// Append prepares and commits in one step and returns the inserted rows
func (l *Ledger) Append(batch []models.LedgerEntry) []models.LedgerEntry {
	fresh, _ := l.Prepare(batch)
	l.Commit(fresh)
	return fresh
}

// Entries returns the visible rows with ID greater than sinceID
func (l *Ledger) Entries(sinceID int64) []models.LedgerEntry {
	from := max(sinceID, l.watermark)
	// IDs ascend, so scan back from the tail
	i := len(l.entries)
	for i > 0 && l.entries[i-1].ID > from {
		i--
	}
	out := make([]models.LedgerEntry, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// Clear hides every current row. The dedup index is kept.
func (l *Ledger) Clear() int64 {
	l.watermark = l.last
	return l.watermark
}

// Restore loads previously persisted rows, e.g. after a restart
func (l *Ledger) Restore(entries []models.LedgerEntry, watermark int64) {
	sorted := make([]models.LedgerEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	l.Commit(sorted)
	if watermark > l.watermark {
		l.watermark = watermark
	}
}

// Watermark is the highest cleared entry ID
func (l *Ledger) Watermark() int64 {
	return l.watermark
}

// Len counts every committed row, cleared ones included
func (l *Ledger) Len() int {
	return len(l.entries)
}
