package protocol

import "encoding/json"

// RPCVersion is the only protocol revision spoken by this module.
const RPCVersion = 1

// Event subscription categories sent in Identify.eventSubscriptions.
const (
	EventSubGeneral     uint32 = 1 << 0
	EventSubConfig      uint32 = 1 << 1
	EventSubScenes      uint32 = 1 << 2
	EventSubInputs      uint32 = 1 << 3
	EventSubTransitions uint32 = 1 << 4
	EventSubFilters     uint32 = 1 << 5
	EventSubOutputs     uint32 = 1 << 6

	// DefaultEventSubscriptions covers custom events (General) and filters.
	DefaultEventSubscriptions = EventSubGeneral | EventSubFilters
)

// Request types handled by the broadcast endpoint.
const (
	RequestSetPersistentData    = "SetPersistentData"
	RequestGetPersistentData    = "GetPersistentData"
	RequestBroadcastCustomEvent = "BroadcastCustomEvent"
)

// EventCustom is the event type produced by BroadcastCustomEvent.
const EventCustom = "CustomEvent"

// Persistent data realms.
const (
	RealmGlobal  = "OBS_WEBSOCKET_DATA_REALM_GLOBAL"
	RealmProfile = "OBS_WEBSOCKET_DATA_REALM_PROFILE"
)

// Request status codes.
const (
	StatusSuccess                 = 100
	StatusUnknownRequestType      = 203
	StatusMissingRequestField     = 300
	StatusInvalidRequestFieldType = 400
	StatusRequestProcessingFailed = 702
)

// WebSocket close codes used by the broadcast endpoint.
const (
	CloseMessageDecodeError    = 4002
	CloseNotIdentified         = 4007
	CloseAlreadyIdentified     = 4008
	CloseAuthenticationFailed  = 4009
	CloseUnsupportedRPCVersion = 4010
)

// AuthChallenge is present in Hello when the server requires authentication.
type AuthChallenge struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

type HelloPayload struct {
	ObsWebSocketVersion string         `json:"obsWebSocketVersion"`
	RPCVersion          int            `json:"rpcVersion"`
	Authentication      *AuthChallenge `json:"authentication,omitempty"`
}

type IdentifyPayload struct {
	RPCVersion         int    `json:"rpcVersion"`
	EventSubscriptions uint32 `json:"eventSubscriptions"`
	Authentication     string `json:"authentication,omitempty"`
}

type IdentifiedPayload struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

type EventPayload struct {
	EventType   string          `json:"eventType"`
	EventIntent int             `json:"eventIntent"`
	EventData   json.RawMessage `json:"eventData,omitempty"`
}

type RequestPayload struct {
	RequestType string          `json:"requestType"`
	RequestID   string          `json:"requestId"`
	RequestData json.RawMessage `json:"requestData,omitempty"`
}

type RequestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type RequestResponsePayload struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus RequestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// SetPersistentDataRequest is the requestData of SetPersistentData.
type SetPersistentDataRequest struct {
	Realm     string          `json:"realm"`
	SlotName  string          `json:"slotName"`
	SlotValue json.RawMessage `json:"slotValue"`
}

// GetPersistentDataRequest is the requestData of GetPersistentData.
type GetPersistentDataRequest struct {
	Realm    string `json:"realm"`
	SlotName string `json:"slotName"`
}

// GetPersistentDataResponse carries a null slotValue for slots never written.
type GetPersistentDataResponse struct {
	SlotValue json.RawMessage `json:"slotValue"`
}

// BroadcastCustomEventRequest is the requestData of BroadcastCustomEvent.
type BroadcastCustomEventRequest struct {
	EventData json.RawMessage `json:"eventData"`
}
