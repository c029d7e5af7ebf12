package session

import "slices"

// Log is the append-only ordered conversation of one session. It is not
// itself goroutine-safe; Data.stateMu guards it.
type Log struct {
	entries []ConversationEntry
}

// Append adds an entry and returns its assigned position. Positions are
// dense and start at 0.
func (l *Log) Append(e ConversationEntry) int {
	l.entries = append(l.entries, e)
	return len(l.entries) - 1
}

// Snapshot returns a copy of the ordered entries.
func (l *Log) Snapshot() []ConversationEntry {
	return slices.Clone(l.entries)
}

func (l *Log) Len() int {
	return len(l.entries)
}

// LoadFrom seeds the log for session resumption. Only an empty log may
// be seeded.
func (l *Log) LoadFrom(entries []ConversationEntry) error {
	if len(l.entries) > 0 {
		return ErrNotEmpty
	}
	l.entries = slices.Clone(entries)
	return nil
}

// AgentTurns counts Agent entries, which by construction equals the turn
// counter.
func (l *Log) AgentTurns() int {
	n := 0
	for _, e := range l.entries {
		if e.Sender.Kind == SenderAgent {
			n++
		}
	}
	return n
}

// Tail returns up to n trailing entries.
func (l *Log) Tail(n int) []ConversationEntry {
	if n <= 0 || n >= len(l.entries) {
		return l.Snapshot()
	}
	return slices.Clone(l.entries[len(l.entries)-n:])
}
