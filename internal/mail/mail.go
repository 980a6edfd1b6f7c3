// Package mail defines the inbound message shape Matchbox evaluates.
//
// Messages arrive from external source connectors (mailbox pollers, webhook
// receivers). Matchbox only reads metadata — subject, sender, body text and
// attachment filenames/types/sizes — never attachment bytes.
package mail

import "strings"

// Attachment is the metadata for a single message attachment.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Ext returns the lower-cased filename extension including the dot,
// or "" when the filename has none.
func (a Attachment) Ext() string {
	idx := strings.LastIndex(a.Filename, ".")
	if idx < 0 || idx == len(a.Filename)-1 {
		return ""
	}
	return strings.ToLower(a.Filename[idx:])
}

// Message is one inbound email to evaluate. Missing fields are treated as
// empty strings, never as errors; a fully empty message simply scores low.
type Message struct {
	Subject     string       `json:"subject"`
	Sender      string       `json:"sender"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
}

// NormalizedSender returns the sender address lower-cased and trimmed,
// the canonical key for sender records.
func (m Message) NormalizedSender() string {
	return strings.ToLower(strings.TrimSpace(m.Sender))
}
