package cloudvars

import (
	"encoding/json"
	"fmt"
)

// frame is the single JSON shape used for every outbound message. The
// remote protocol multiplexes all of its message kinds over one object,
// so unused fields are simply omitted.
type frame struct {
	Method    string `json:"method,omitempty"`
	User      string `json:"user,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Value     string `json:"value,omitempty"`
	Reply     string `json:"reply,omitempty"`
}

func handshakeFrame(user, projectID string) frame {
	return frame{Method: "handshake", User: user, ProjectID: projectID}
}

func setFrame(user, projectID, name, value string) frame {
	return frame{
		Method:    "set",
		User:      user,
		ProjectID: projectID,
		Name:      name,
		Value:     value,
	}
}

func pongFrame() frame {
	return frame{Method: "pong"}
}

// frameKind tags the closed set of inbound message shapes. Anything the
// decoder can parse but not classify is kindUnknown, which callers log
// and skip rather than treating as a protocol failure.
type frameKind int

const (
	kindUnknown frameKind = iota
	kindPing
	kindAck
	kindPair
)

func (k frameKind) String() string {
	switch k {
	case kindPing:
		return "ping"
	case kindAck:
		return "ack"
	case kindPair:
		return "pair"
	default:
		return "unknown"
	}
}

// inbound is a decoded message from the remote store.
type inbound struct {
	kind frameKind
	// reply is set for kindAck
	reply string
	// name and value are set for kindPair
	name  string
	value string
}

// decodeFrame classifies a raw inbound payload. The protocol carries no
// request ids and no type envelope, so classification is structural: a
// "method" field names control messages, and a bare {name, value}
// object is an enumeration push. Unparseable input returns ErrMalformed.
func decodeFrame(raw []byte) (inbound, error) {
	// Pointer fields so we can tell an absent key from an empty value.
	var f struct {
		Method *string `json:"method"`
		Reply  *string `json:"reply"`
		Name   *string `json:"name"`
		Value  *string `json:"value"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if f.Method != nil {
		switch *f.Method {
		case "ping":
			return inbound{kind: kindPing}, nil
		case "ack":
			var reply string
			if f.Reply != nil {
				reply = *f.Reply
			}
			return inbound{kind: kindAck, reply: reply}, nil
		default:
			return inbound{kind: kindUnknown}, nil
		}
	}

	if f.Name != nil {
		var value string
		if f.Value != nil {
			value = *f.Value
		}
		return inbound{kind: kindPair, name: *f.Name, value: value}, nil
	}

	return inbound{kind: kindUnknown}, nil
}
