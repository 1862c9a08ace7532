package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/kalambet/sitesync/internal/siteapi"
)

// Kind tags the operation a pending action replays.
type Kind string

const (
	KindCreateTask  Kind = "CREATE_TASK"
	KindCreateIssue Kind = "CREATE_ISSUE"
	KindCreatePost  Kind = "CREATE_POST"
	KindAddMaterial Kind = "ADD_MATERIAL"
)

// Kinds lists every recognized action kind.
var Kinds = []Kind{KindCreateTask, KindCreateIssue, KindCreatePost, KindAddMaterial}

// Valid reports whether k is one of the recognized kinds.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// ErrUnknownKind is returned for action types outside Kinds.
var ErrUnknownKind = errors.New("unknown action type")

// Payload is the typed argument set of a pending action. The set of
// implementations is closed: TaskPayload, IssuePayload, PostPayload and
// MaterialPayload.
type Payload interface {
	Kind() Kind
	isPayload()
}

type TaskPayload struct{ siteapi.TaskInput }

type IssuePayload struct{ siteapi.IssueInput }

type PostPayload struct{ siteapi.PostInput }

type MaterialPayload struct{ siteapi.MaterialInput }

func (TaskPayload) Kind() Kind     { return KindCreateTask }
func (IssuePayload) Kind() Kind    { return KindCreateIssue }
func (PostPayload) Kind() Kind     { return KindCreatePost }
func (MaterialPayload) Kind() Kind { return KindAddMaterial }

func (TaskPayload) isPayload()     {}
func (IssuePayload) isPayload()    {}
func (PostPayload) isPayload()     {}
func (MaterialPayload) isPayload() {}

// unknownPayload preserves an entry of an unrecognized kind read back from
// storage so it can be reported and discarded on the next drain.
type unknownPayload struct {
	kind Kind
	raw  json.RawMessage
}

func (u unknownPayload) Kind() Kind { return u.kind }
func (unknownPayload) isPayload()   {}

func (u unknownPayload) MarshalJSON() ([]byte, error) {
	if len(u.raw) == 0 {
		return []byte("null"), nil
	}
	return u.raw, nil
}

// DecodePayload builds the typed payload for kind from its JSON form.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindCreateTask:
		var v TaskPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCreateIssue:
		var v IssuePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCreatePost:
		var v PostPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindAddMaterial:
		var v MaterialPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q (want one of %v)", ErrUnknownKind, kind, Kinds)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	return p, nil
}

// CanQueueWithAttachments reports whether p can be stored for later replay.
// Posts that declare file attachments cannot: the upload needs the files at
// send time and the queue persists plain data only.
func CanQueueWithAttachments(p Payload) bool {
	if v, ok := normalize(p).(PostPayload); ok {
		return len(v.Files) == 0
	}
	return true
}

// normalize dereferences pointer payloads so dispatch only sees values.
// A nil pointer yields nil.
func normalize(p Payload) Payload {
	switch v := p.(type) {
	case *TaskPayload:
		if v == nil {
			return nil
		}
		return *v
	case *IssuePayload:
		if v == nil {
			return nil
		}
		return *v
	case *PostPayload:
		if v == nil {
			return nil
		}
		return *v
	case *MaterialPayload:
		if v == nil {
			return nil
		}
		return *v
	}
	return p
}

// PendingAction is a recorded write intent awaiting delivery.
type PendingAction struct {
	ID        string
	Payload   Payload
	Timestamp int64 // epoch milliseconds
}

// Kind returns the action's type tag.
func (a PendingAction) Kind() Kind {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.Kind()
}

type wireAction struct {
	ID        string          `json:"id"`
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func (a PendingAction) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload of %s: %w", a.ID, err)
	}
	return json.Marshal(wireAction{
		ID:        a.ID,
		Type:      a.Kind(),
		Payload:   payload,
		Timestamp: a.Timestamp,
	})
}

func (a *PendingAction) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Type, w.Payload)
	if errors.Is(err, ErrUnknownKind) {
		p = unknownPayload{kind: w.Type, raw: w.Payload}
	} else if err != nil {
		return fmt.Errorf("action %s: %w", w.ID, err)
	}
	*a = PendingAction{ID: w.ID, Payload: p, Timestamp: w.Timestamp}
	return nil
}

// DroppedAction is a pending action removed without successful delivery,
// kept for manual recovery.
type DroppedAction struct {
	Action    PendingAction `json:"action"`
	Reason    string        `json:"reason"`
	DroppedAt int64         `json:"dropped_at"` // epoch milliseconds
}
