package realtime

import (
	"encoding/json"
	"errors"
	"strings"
)

// Action is the kind of change a record went through.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Record holds the fields every record carries. Collection specific fields
// are left in the raw payload handed to callbacks.
type Record struct {
	CollectionID   string `json:"collectionId"`
	CollectionName string `json:"collectionName"`
	ID             string `json:"id"`
	Created        string `json:"created"`
	Updated        string `json:"updated"`
}

// RecordChange is the payload the server sends when a record of a subscribed collection changes.
type RecordChange struct {
	Record Record `json:"record"`
	Action Action `json:"action"`
}

type connectPayload struct {
	ClientID string `json:"clientId"`
}

type subscribePayload struct {
	ClientID      string   `json:"clientId"`
	Subscriptions []string `json:"subscriptions"`
}

// ErrParse is returned by DecodeRecordChange for payloads that aren't record changes.
var ErrParse = errors.New("realtime: unrecognized payload")

// parseHandshake extracts the client ID from a connect payload.
func parseHandshake(data string) (string, bool) {
	var p connectPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil || p.ClientID == "" {
		return "", false
	}
	return p.ClientID, true
}

// DecodeRecordChange decodes a payload received by a subscription callback.
// Action names are matched case-insensitively.
func DecodeRecordChange(data string) (RecordChange, error) {
	var c RecordChange
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return RecordChange{}, errors.Join(ErrParse, err)
	}

	c.Action = Action(strings.ToLower(string(c.Action)))
	if c.Record.CollectionName == "" || !c.Action.valid() {
		return RecordChange{}, ErrParse
	}

	return c, nil
}
