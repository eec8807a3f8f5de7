package companion

import (
	"github.com/MrWong99/talkbuddy/internal/avatar"
	"github.com/MrWong99/talkbuddy/internal/conversation"
	"github.com/MrWong99/talkbuddy/internal/speech"
	"github.com/MrWong99/talkbuddy/internal/turn"
)

// Client → server message types.
const (
	MsgHello         = "hello"
	MsgListen        = "listen"
	MsgStop          = "stop"
	MsgTier          = "tier"
	MsgReset         = "reset"
	MsgCaptureResult = "capture.result"
	MsgCaptureEnd    = "capture.end"
	MsgCaptureError  = "capture.error"
	MsgSpeakStarted  = "speak.started"
	MsgSpeakEnded    = "speak.ended"
	MsgSpeakError    = "speak.error"
	MsgSay           = "say"
)

// Server → client message types.
const (
	MsgReady        = "ready"
	MsgCaptureStart = "capture.start"
	MsgCaptureStop  = "capture.stop"
	MsgStatus       = "status"
	MsgUtterance    = "utterance"
	MsgReply        = "reply"
	MsgError        = "error"
	MsgSpeak        = "speak"
	MsgSpeakCancel  = "speak.cancel"
	MsgAvatarPose   = "avatar.pose"
	MsgHistory      = "history"
)

// ClientMessage is any frame sent by the browser. Only the fields of the
// given Type are set.
type ClientMessage struct {
	Type string `json:"type"`

	// hello, listen
	Tier       string `json:"tier,omitempty"`
	Lang       string `json:"lang,omitempty"`
	Continuous *bool  `json:"continuous,omitempty"`
	Device     string `json:"device,omitempty"`

	// capture.result
	Segments []turn.Segment `json:"segments,omitempty"`

	// capture.error, speak.error
	Error string `json:"error,omitempty"`

	// speak.started, speak.ended, speak.error
	ID string `json:"id,omitempty"`

	// say
	Text string `json:"text,omitempty"`
}

// ServerMessage is any frame sent to the browser.
type ServerMessage struct {
	Type string `json:"type"`

	SessionID  string              `json:"session_id,omitempty"`
	Lang       string              `json:"lang,omitempty"`
	State      string              `json:"state,omitempty"`
	Text       string              `json:"text,omitempty"`
	Error      string              `json:"error,omitempty"`
	Permission bool                `json:"permission,omitempty"`
	ID         string              `json:"id,omitempty"`
	Voice      *speech.Voice       `json:"voice,omitempty"`
	Pose       *avatar.Pose        `json:"pose,omitempty"`
	Turns      []conversation.Turn `json:"turns,omitempty"`
	Tier       string              `json:"tier,omitempty"`
}
