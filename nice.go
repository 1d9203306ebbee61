package nitram

import (
	"encoding/json"
	"fmt"
)

// NiceMessage is the canonical vocabulary for user-visible error payloads.
type NiceMessage uint8

const (
	NiceServerError NiceMessage = iota
	NiceNotFound
	NiceNotAuthorized
	NiceNotAuthenticated
	NiceBadRequest
)

func (m NiceMessage) String() string {
	switch m {
	case NiceNotFound:
		return "not found"
	case NiceNotAuthorized:
		return "not authorized"
	case NiceNotAuthenticated:
		return "not authenticated"
	case NiceBadRequest:
		return "bad request"
	default:
		return "server error"
	}
}

// Nice renders an error payload in the stable wire form "(~ message ~)",
// or "(~ message ~~ data ~)" when a JSON blob is attached.
type Nice struct {
	Msg  NiceMessage
	Data any
}

func (n Nice) String() string {
	if n.Data == nil {
		return fmt.Sprintf("(~ %s ~)", n.Msg)
	}
	data, err := json.Marshal(n.Data)
	if err != nil {
		data = nil
	}
	return fmt.Sprintf("(~ %s ~~ %s ~)", n.Msg, data)
}
