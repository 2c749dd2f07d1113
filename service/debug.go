package service

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// DebugStatusTable renders a human-readable snapshot of every live
// session and connected producer, in the same go-pretty-table shape
// the teacher's BackendScheduler.StatusHandler uses for its own
// job/tenant dump.
func (s *TracingService) DebugStatusTable(w io.Writer) {
	s.mu.Lock()
	sessions := make([]*TracingSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	producers := make([]*Producer, 0, len(s.producers))
	for _, p := range s.producers {
		producers = append(producers, p)
	}
	s.mu.Unlock()

	sessionTable := table.NewWriter()
	sessionTable.SetOutputMirror(w)
	sessionTable.AppendHeader(table.Row{"session", "uid", "consumer", "state", "buffers", "cloned_from"})
	for _, sess := range sessions {
		sess.mu.Lock()
		row := table.Row{sess.ID, sess.uid, sess.consumerID, sess.state.String(), len(sess.bufferIDs), sess.clonedFrom}
		sess.mu.Unlock()
		sessionTable.AppendRow(row)
	}
	sessionTable.AppendSeparator()
	sessionTable.Render()

	producerTable := table.NewWriter()
	producerTable.SetOutputMirror(w)
	producerTable.AppendHeader(table.Row{"producer", "uid", "pid", "name", "smb_bound"})
	for _, p := range producers {
		producerTable.AppendRow(table.Row{p.ID, p.UID, p.PID, p.Name, p.region != nil})
	}
	producerTable.AppendSeparator()
	producerTable.Render()
}
