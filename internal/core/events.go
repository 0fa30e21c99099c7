package core

// Signaling vocabulary. Flat JSON envelopes: every message carries a
// "type" field plus the payload fields for that type.

// Client to server.
const (
	EventRegister    = "register"
	EventInitiate    = "call-initiate"
	EventAccept      = "call-accept"
	EventDecline     = "call-decline"
	EventEnd         = "end-call"
	EventCandidate   = "ice-candidate"
	EventMediaUp     = "media-connected"
	EventCheckOnline = "check-online"
	EventPing        = "ping"
)

// Server to client.
const (
	EventIncomingCall   = "incoming-call"
	EventCallAnswered   = "call-answered"
	EventCallDeclined   = "call-declined"
	EventCallEnded      = "call-ended"
	EventCallInProgress = "call-in-progress"
	EventCallFailed     = "call-failed"
	EventOnlineStatus   = "user-online-status"
	EventUserOnline     = "user-online"
	EventUserOffline    = "user-offline"
	EventPong           = "pong"
)

type RegisterPayload struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}

type InitiatePayload struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
	CallerID string `json:"callerId"`
	Offer    string `json:"offer"`
}

type AcceptPayload struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
	Answer   string `json:"answer"`
}

type DeclinePayload struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
}

type EndPayload struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
}

type CandidatePayload struct {
	Type      string `json:"type"`
	TargetID  string `json:"targetId"`
	Candidate string `json:"candidate"`
}

type MediaUpPayload struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
}

type CheckOnlinePayload struct {
	Type      string `json:"type"`
	Identity  string `json:"identity"`
	RequestID string `json:"requestId"`
}

type IncomingCallPayload struct {
	Type     string `json:"type"`
	CallerID string `json:"callerId"`
	Offer    string `json:"offer"`
}

type CallAnsweredPayload struct {
	Type   string `json:"type"`
	Answer string `json:"answer"`
}

type CallInProgressPayload struct {
	Type     string `json:"type"`
	CallerID string `json:"callerId"`
	Message  string `json:"message"`
}

type CallFailedPayload struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	TargetID string `json:"targetId"`
}

type OnlineStatusPayload struct {
	Type       string `json:"type"`
	Identity   string `json:"identity"`
	IsOnline   bool   `json:"isOnline"`
	ResponseID string `json:"responseId"`
}

type PresencePayload struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}
