package agent

// QueryRevision is one recorded version of a candidate query. The checked
// revision of a candidate carries the same CallID and supersedes it.
type QueryRevision struct {
	CallID  string
	SQL     string
	Checked bool
}

// QueryLog is an append-only log of query revisions with a latest-revision
// index per tool-call ID. It replaces the source behavior of stamping a new
// message with an old identifier: history is never rewritten, downstream
// consumers ask for the latest revision instead.
type QueryLog struct {
	revisions []QueryRevision
	latest    map[string]int
}

func NewQueryLog() *QueryLog {
	return &QueryLog{latest: map[string]int{}}
}

func (l *QueryLog) Record(callID, sql string, checked bool) {
	l.revisions = append(l.revisions, QueryRevision{CallID: callID, SQL: sql, Checked: checked})
	l.latest[callID] = len(l.revisions) - 1
}

// Latest returns the most recent revision recorded for the given call ID.
func (l *QueryLog) Latest(callID string) (QueryRevision, bool) {
	index, ok := l.latest[callID]
	if !ok {
		return QueryRevision{}, false
	}
	return l.revisions[index], true
}

// All returns the revisions in the order they were recorded.
func (l *QueryLog) All() []QueryRevision {
	return append([]QueryRevision{}, l.revisions...)
}
