package terminal

import "encoding/json"

// Frame types exchanged over a terminal connection.
const (
	FrameStdin  = "stdin"
	FrameResize = "resize"
	FrameOutput = "output"
	FrameError  = "error"
)

// ClientFrame is one JSON message from a terminal client.
type ClientFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// ServerFrame is one JSON message to a terminal client.
type ServerFrame struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// decodeFrame parses a client message. The second return value is false
// when the payload is not JSON at all, signalling the raw-stdin fallback.
func decodeFrame(raw []byte) (ClientFrame, bool) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ClientFrame{}, false
	}
	return frame, true
}

func marshalOutput(data []byte) []byte {
	payload, _ := json.Marshal(ServerFrame{Type: FrameOutput, Data: string(data)})
	return payload
}

func marshalError(message string) []byte {
	payload, _ := json.Marshal(ServerFrame{Type: FrameError, Message: message})
	return payload
}
