package notify

import (
	"time"

	"github.com/fiskalni/fiskalni/internal/daemon"
	"github.com/fiskalni/fiskalni/internal/remote"
	"github.com/fiskalni/fiskalni/internal/schema"
	syncengine "github.com/fiskalni/fiskalni/internal/sync"
)

// RecordChangedData is the payload of record_changed.
type RecordChangedData struct {
	Kind    schema.EntityType `json:"kind"`
	ID      int64             `json:"id"`
	Deleted bool              `json:"deleted,omitempty"`
}

// SyncCompleteData is the payload of sync_complete.
type SyncCompleteData struct {
	Results []syncengine.PullResult `json:"results"`
}

// ChannelStatusData is the payload of channel_status.
type ChannelStatusData struct {
	Kind   schema.EntityType    `json:"kind"`
	Status remote.ChannelStatus `json:"status"`
}

// BootData is the payload of boot.
type BootData struct {
	Seq      int             `json:"seq"`
	Reasons  []daemon.Reason `json:"reasons"`
	Duration time.Duration   `json:"duration"`
	Error    string          `json:"error,omitempty"`
}

// Handler turns engine, realtime and daemon callbacks into notifications.
type Handler struct {
	server *Server
}

var _ syncengine.Observer = (*Handler)(nil)

// NewHandler creates a Handler broadcasting on server.
func NewHandler(server *Server) *Handler {
	return &Handler{server: server}
}

// RecordChanged implements sync.Observer.
func (h *Handler) RecordChanged(kind schema.EntityType, id int64, deleted bool) {
	h.server.Send(MessageTypeRecordChanged, RecordChangedData{Kind: kind, ID: id, Deleted: deleted})
}

// SyncCompleted implements sync.Observer.
func (h *Handler) SyncCompleted(results []syncengine.PullResult) {
	h.server.Send(MessageTypeSyncComplete, SyncCompleteData{Results: results})
}

// ChannelStatus has the signature of realtime.StatusHook.
func (h *Handler) ChannelStatus(kind schema.EntityType, status remote.ChannelStatus) {
	h.server.Send(MessageTypeChannelStatus, ChannelStatusData{Kind: kind, Status: status})
}

// Boot has the signature of daemon.Options.OnBoot.
func (h *Handler) Boot(b daemon.Boot) {
	data := BootData{Seq: b.Seq, Reasons: b.Reasons, Duration: b.Duration}
	if b.Err != nil {
		data.Error = b.Err.Error()
	}
	h.server.Send(MessageTypeBoot, data)
}
