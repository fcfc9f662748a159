// Package hiamp implements the HIAMP v1 inter-HQ message: the typed value
// object plus the envelope text codec that frames it over any text-carrying
// transport.
package hiamp

import (
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
	"github.com/nextlevelbuilder/hqlink/internal/ids"
)

// Version is the only protocol version this codec speaks.
const Version = "v1"

// Intent is the pragmatic category of a message.
type Intent string

const (
	IntentHandoff     Intent = "handoff"
	IntentRequest     Intent = "request"
	IntentInform      Intent = "inform"
	IntentAcknowledge Intent = "acknowledge"
	IntentQuery       Intent = "query"
	IntentResponse    Intent = "response"
	IntentError       Intent = "error"
	IntentShare       Intent = "share"
)

// Intents lists every legal intent.
var Intents = []Intent{
	IntentHandoff, IntentRequest, IntentInform, IntentAcknowledge,
	IntentQuery, IntentResponse, IntentError, IntentShare,
}

// ValidIntent reports whether i is a member of the intent enum.
func ValidIntent(i Intent) bool {
	for _, v := range Intents {
		if i == v {
			return true
		}
	}
	return false
}

// Priority of a message. Empty means unset (normal handling).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is a member of the priority enum.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// AckMode controls whether the receiver should emit an acknowledgment.
type AckMode string

const (
	AckNone      AckMode = "none"
	AckOptional  AckMode = "optional"
	AckRequested AckMode = "requested"
)

// ValidAckMode reports whether a is a member of the ack enum.
func ValidAckMode(a AckMode) bool {
	switch a {
	case AckNone, AckOptional, AckRequested:
		return true
	}
	return false
}

// Message is the HIAMP value object. From and To are "<owner>/<worker>"
// addresses. Optional fields are empty when absent.
type Message struct {
	Version  string   `json:"version" yaml:"version"`
	ID       string   `json:"id" yaml:"id"`
	From     string   `json:"from" yaml:"from"`
	To       string   `json:"to" yaml:"to"`
	Intent   Intent   `json:"intent" yaml:"intent"`
	Body     string   `json:"body" yaml:"body"`
	Thread   string   `json:"thread,omitempty" yaml:"thread,omitempty"`
	ReplyTo  string   `json:"reply_to,omitempty" yaml:"reply-to,omitempty"`
	Priority Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	Ack      AckMode  `json:"ack,omitempty" yaml:"ack,omitempty"`
	Context  string   `json:"context,omitempty" yaml:"context,omitempty"`
	Ref      string   `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// Validate checks field values and identifier syntax. The first violated
// invariant determines the returned code.
func (m *Message) Validate() error {
	if m.Version != Version {
		return hqerr.Newf(hqerr.CodeUnknownVersion, "unsupported version %q", m.Version)
	}
	if !ids.ValidMessageID(m.ID) {
		return hqerr.Newf(hqerr.CodeBadID, "bad message id %q", m.ID)
	}
	if !ids.ValidAddress(m.From) {
		return hqerr.Newf(hqerr.CodeBadAddress, "bad from address %q", m.From)
	}
	if !ids.ValidAddress(m.To) {
		return hqerr.Newf(hqerr.CodeBadAddress, "bad to address %q", m.To)
	}
	if !ValidIntent(m.Intent) {
		return hqerr.Newf(hqerr.CodeBadIntent, "unknown intent %q", m.Intent)
	}
	if m.Thread != "" && !ids.ValidThreadID(m.Thread) {
		return hqerr.Newf(hqerr.CodeBadID, "bad thread id %q", m.Thread)
	}
	if m.ReplyTo != "" && !ids.ValidMessageID(m.ReplyTo) {
		return hqerr.Newf(hqerr.CodeBadID, "bad reply-to id %q", m.ReplyTo)
	}
	if m.Priority != "" && !ValidPriority(m.Priority) {
		return hqerr.Newf(hqerr.CodeInvalidEnvelope, "unknown priority %q", m.Priority)
	}
	if m.Ack != "" && !ValidAckMode(m.Ack) {
		return hqerr.Newf(hqerr.CodeInvalidEnvelope, "unknown ack mode %q", m.Ack)
	}
	return nil
}
