package extlink

import "encoding/json"

// FrameType distinguishes a CDP payload from an extension meta
// notification on the shared envelope.
type FrameType string

const (
	FrameCDP  FrameType = "cdp"
	FrameMeta FrameType = "meta"
)

// Envelope is the wire shape the extension speaks on its single WebSocket:
// either a CDP frame for a session or a meta message (target lifecycle
// notifications, createTarget results, set-window-mode acknowledgement).
type Envelope struct {
	Type      FrameType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// cdpPayload is the shape of an outbound CDP command payload and an inbound
// CDP reply/event payload.
type cdpPayload struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpPayloadErr  `json:"error,omitempty"`
}

type cdpPayloadErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// marshalCDPCommand builds an outbound CDP command payload, merging in any
// unrecognized top-level fields the wire codec preserved on the original
// client frame (§4.1 forward-compat) so they survive the forward verbatim.
// extra is never allowed to shadow id/method/params.
func marshalCDPCommand(id int64, method string, params json.RawMessage, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return json.Marshal(cdpPayload{ID: id, Method: method, Params: params})
	}

	obj := make(map[string]json.RawMessage, len(extra)+3)
	for k, v := range extra {
		obj[k] = v
	}
	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	methodJSON, err := json.Marshal(method)
	if err != nil {
		return nil, err
	}
	obj["id"] = idJSON
	obj["method"] = methodJSON
	if params != nil {
		obj["params"] = params
	}
	return json.Marshal(obj)
}

// metaPayload is the shape of an outbound meta request and an inbound meta
// reply or unsolicited notification.
type metaPayload struct {
	ID     int64           `json:"id,omitempty"`
	Kind   string          `json:"kind,omitempty"`
	Action string          `json:"action,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpPayloadErr  `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}
