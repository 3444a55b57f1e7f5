package dashboard

import (
	"encoding/json"
	"time"

	"github.com/bellaotica/optisync/internal/queue"
	"github.com/bellaotica/optisync/internal/schema"
	syncengine "github.com/bellaotica/optisync/internal/sync"
)

// Notifier adapts engine events into dashboard broadcasts.
type Notifier struct {
	server *Server
}

// NewNotifier wraps a running server as a sync engine Notifier.
func NewNotifier(server *Server) *Notifier {
	return &Notifier{server: server}
}

// StateChanged implements sync.Notifier.
func (n *Notifier) StateChanged(st syncengine.State) {
	data, err := json.Marshal(map[string]string{"state": st.String()})
	if err != nil {
		return
	}
	n.server.Broadcast(Message{
		Type:      MessageTypeStatus,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// CycleComplete implements sync.Notifier.
func (n *Notifier) CycleComplete(res syncengine.CycleResult) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	n.server.Broadcast(Message{
		Type:      MessageTypeCycle,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// ConflictResolved implements sync.Notifier.
func (n *Notifier) ConflictResolved(table, recordID string, policy schema.MergePolicy, remoteDeleteWon bool) {
	data, err := json.Marshal(ConflictData{
		Table:           table,
		RecordID:        recordID,
		Policy:          policy.String(),
		RemoteDeleteWon: remoteDeleteWon,
	})
	if err != nil {
		return
	}
	n.server.Broadcast(Message{
		Type:      MessageTypeConflict,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// DeadLettered implements sync.Notifier.
func (n *Notifier) DeadLettered(e queue.Entry) {
	data, err := json.Marshal(DeadLetterData{
		EntryID:   e.ID,
		Table:     e.Table,
		RecordID:  e.RecordID,
		Operation: string(e.Op),
		Attempts:  e.Attempts,
		LastError: e.LastError,
	})
	if err != nil {
		return
	}
	n.server.Broadcast(Message{
		Type:      MessageTypeDeadLetter,
		Timestamp: time.Now(),
		Data:      data,
	})
}
