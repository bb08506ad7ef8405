package control

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"rover/command"
	"rover/dispatcher"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	StatusApplied     = "applied"
	StatusRejected    = "rejected"
	StatusUnsupported = "unsupported"
	StatusInvalid     = "invalid"
)

// Ack answers one inbound message. Seq counts messages within the session
// starting at 1.
type Ack struct {
	Seq      uint64   `json:"seq"`
	Command  string   `json:"command"`
	Status   string   `json:"status"`
	Error    string   `json:"error,omitempty"`
	Distance *float64 `json:"distance,omitempty"`
}

// envelope is the browser client format, {"command": "MOTOR#50#-50"}.
type envelope struct {
	Command *string `json:"command"`
}

// unwrap returns the command text of msg, which is either raw wire text or
// a JSON envelope.
func unwrap(msg string) (string, error) {
	trimmed := strings.TrimSpace(msg)
	if !strings.HasPrefix(trimmed, "{") {
		return msg, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	if env.Command == nil {
		return "", fmt.Errorf("%w: missing command", ErrEnvelope)
	}
	return *env.Command, nil
}

func invalidAck(seq uint64, kind command.Kind, err error) Ack {
	return Ack{Seq: seq, Command: kind.String(), Status: StatusInvalid, Error: err.Error()}
}

func resultAck(seq uint64, res dispatcher.Result) Ack {
	ack := Ack{Seq: seq, Command: res.Kind.String(), Status: res.Outcome.String()}
	if res.Err != nil {
		ack.Error = res.Err.Error()
	}
	if res.Kind == command.KindSonic && res.Outcome == dispatcher.Applied {
		distance := res.Distance
		ack.Distance = &distance
	}
	return ack
}

// EncodeAck renders ack as one JSON line without the trailing newline.
func EncodeAck(ack Ack) ([]byte, error) {
	return json.Marshal(ack)
}

func DecodeAck(data []byte) (Ack, error) {
	var ack Ack
	err := json.Unmarshal(data, &ack)
	return ack, err
}
