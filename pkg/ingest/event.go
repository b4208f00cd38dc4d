package ingest

import (
	"encoding/json"
	"time"

	"github.com/turbolytics/cpemirror/pkg/cpe"
)

// Kind distinguishes a newly stored record from a changed one.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
)

// Operation represents Debezium operation codes
type Operation string

const (
	OpCreate Operation = "c"
	OpUpdate Operation = "u"
)

func (k Kind) Operation() Operation {
	if k == KindCreated {
		return OpCreate
	}
	return OpUpdate
}

// ChangeEvent announces that a record was created or updated in the store.
type ChangeEvent struct {
	Kind   Kind
	Key    string
	Record cpe.Record
	TsMs   int64
}

func NewChangeEvent(kind Kind, rec cpe.Record) ChangeEvent {
	return ChangeEvent{
		Kind:   kind,
		Key:    rec.Name,
		Record: rec,
		TsMs:   time.Now().UnixMilli(),
	}
}

// EventSource contains metadata about the source of the change event (Debezium format)
type EventSource struct {
	Version   string `json:"version"`
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Snapshot  string `json:"snapshot"`
	Db        string `json:"db"`
	Table     string `json:"table"`
}

// Payload contains the change event data in Debezium format
type Payload struct {
	Before *cpe.Record `json:"before"`
	After  cpe.Record  `json:"after"`
	Source EventSource `json:"source"`
	Op     Operation   `json:"op"`
	TsMs   int64       `json:"ts_ms"`
}

// Envelope is the Debezium-compatible wire form of a ChangeEvent.
type Envelope struct {
	Payload Payload `json:"payload"`
}

func (e ChangeEvent) Envelope(source EventSource) Envelope {
	source.TsMs = e.TsMs
	if source.Snapshot == "" {
		source.Snapshot = "false"
	}
	return Envelope{
		Payload: Payload{
			After:  e.Record,
			Source: source,
			Op:     e.Kind.Operation(),
			TsMs:   e.TsMs,
		},
	}
}

func (e ChangeEvent) Marshal(source EventSource) ([]byte, error) {
	return json.Marshal(e.Envelope(source))
}
