package contracts

const (
	// ChannelUp carries requests from the bridge to the host
	ChannelUp = "IPC_UP_2"
	// ChannelDown carries responses and events from the host to the bridge
	ChannelDown = "IPC_DOWN_2"

	// RequestType is the only envelope type the host accepts
	RequestType = "request"
)

// RequestEnvelope is the first positional argument of every upward frame
type RequestEnvelope struct {
	Type       string `json:"type"`
	CallbackID string `json:"callbackId"`
	EventName  string `json:"eventName"`
}

// NewRequestEnvelope builds the envelope for a host call correlated by callbackID
func NewRequestEnvelope(callbackID, eventName string, registered bool) *RequestEnvelope {
	return &RequestEnvelope{
		Type:       RequestType,
		CallbackID: callbackID,
		EventName:  EventTag(eventName, registered),
	}
}

// EventTag derives the host event name: "<eventName>-2" with a "-register"
// suffix for registered functions.
func EventTag(eventName string, registered bool) string {
	tag := eventName + "-2"
	if registered {
		tag += "-register"
	}
	return tag
}
