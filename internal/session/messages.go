package session

import "encoding/json"

// Bus message tags, per spec.md §6.2's wire table.
const (
	msgBroadcast         = "BROADCAST"
	msgConsumptionChange = "CONSUMPTION_CHANGE"
	msgInfoChange        = "INFO_CHANGE"
	msgProductionChange  = "PRODUCTION_CHANGE"

	reqConnectCtsTransport = "CONNECT_CTS_TRANSPORT"
	reqConnectStcTransport = "CONNECT_STC_TRANSPORT"
	reqInitProducer        = "INIT_PRODUCER"

	msgSessionLeave = "SESSION_LEAVE"
	msgSInfoChange  = "S_INFO_CHANGE"

	reqInitConsumer   = "INIT_CONSUMER"
	reqInitTransports = "INIT_TRANSPORTS"
	reqPing           = "PING"
)

type broadcastInPayload struct {
	Payload json.RawMessage `json:"payload"`
}

type broadcastOutPayload struct {
	SenderID string          `json:"senderId"`
	Message  json.RawMessage `json:"message"`
}

type consumptionChangePayload struct {
	SessionID string          `json:"sessionId"`
	States    map[string]bool `json:"states"`
}

type infoChangePayload struct {
	Info        map[string]bool `json:"info"`
	NeedRefresh bool            `json:"needRefresh,omitempty"`
}

type productionChangePayload struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

type connectTransportPayload struct {
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

type initProducerPayload struct {
	Type          string          `json:"type"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

type initProducerResponse struct {
	ID string `json:"id"`
}

type sessionLeavePayload struct {
	SessionID string `json:"sessionId"`
}

type initConsumerPayload struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	ProducerID    string          `json:"producerId"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
	SessionID     string          `json:"sessionId"`
	Active        bool            `json:"active"`
	Type          string          `json:"type"`
}

type initTransportsPayload struct {
	Capabilities          json.RawMessage `json:"capabilities"`
	StcConfig             transportConfig `json:"stcConfig"`
	CtsConfig             transportConfig `json:"ctsConfig"`
	ProducerOptionsByKind json.RawMessage `json:"producerOptionsByKind"`
}

type transportConfig struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
	SctpParameters json.RawMessage `json:"sctpParameters"`
}
