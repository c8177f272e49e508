// Package strings canonicalizes short, frequently repeated identifiers
// (device ids, feature names, automation slot names) into cheap,
// comparable tokens. A [Symbol] is a plain int32, so ValueId and the
// automation graph's slot keys can be compared and hashed without
// touching the underlying string.
package strings

import "sync"

// Symbol is an interned string token. The zero value is not a valid
// symbol for any interned string; [Table.Intern] never returns it.
type Symbol int32

// Table is a process-wide, append-only string interner. It is safe for
// concurrent use. Once a string is interned it is never evicted, which
// is the correct tradeoff for the small, bounded vocabulary of device
// ids, feature names, and slot names this runtime deals with.
type Table struct {
	mu     sync.RWMutex
	bySym  []string
	symFor map[string]Symbol
}

// NewTable creates an empty interning table.
func NewTable() *Table {
	return &Table{
		symFor: make(map[string]Symbol),
	}
}

// Intern returns the Symbol for s, allocating a new one on first sight.
func (t *Table) Intern(s string) Symbol {
	t.mu.RLock()
	if sym, ok := t.symFor[s]; ok {
		t.mu.RUnlock()
		return sym
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Another goroutine may have interned s while we waited for the lock.
	if sym, ok := t.symFor[s]; ok {
		return sym
	}

	sym := Symbol(len(t.bySym) + 1)
	t.bySym = append(t.bySym, s)
	t.symFor[s] = sym
	return sym
}

// Resolve returns the original string for a previously interned symbol.
// Resolve panics if sym was never returned by this table's Intern,
// since that indicates a programming error (a Symbol from a different
// table, or a corrupted value).
func (t *Table) Resolve(sym Symbol) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bySym[sym-1]
}

// global is the process-wide default table used by ValueId and the
// automation package. Keeping it package-level (rather than threading
// a *Table through every call site) matches spec.md's description of
// the interner as a process-wide singleton; see DESIGN.md for the
// tradeoff this implies for testability.
var global = NewTable()

// Global returns the process-wide interning table.
func Global() *Table {
	return global
}

// Intern interns s in the process-wide table.
func Intern(s string) Symbol {
	return global.Intern(s)
}

// Resolve resolves sym against the process-wide table.
func Resolve(sym Symbol) string {
	return global.Resolve(sym)
}
