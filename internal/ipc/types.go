package ipc

import (
	"restune/internal/api"
	"restune/internal/receiver"
)

// Envelope is the wire form of one request or signal.
type Envelope = receiver.Envelope

// SubmitRequest carries one message for the receiver.
type SubmitRequest struct {
	Envelope Envelope `json:"envelope"`
}

// SubmitResponse reports admission. When the daemon refused the message,
// ErrorKind names the failure class and Error carries the full text.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	Queued    int    `json:"queued"`
	Coalesced int    `json:"coalesced"`
	Cancelled int    `json:"cancelled"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse wraps the daemon status view shared with the HTTP API.
type StatusResponse struct {
	Status api.DaemonStatus `json:"status"`
}

// ListTuningsRequest filters active tunings by client. Empty lists all.
type ListTuningsRequest struct {
	Client string `json:"client"`
}

// ListTuningsResponse contains active tunings.
type ListTuningsResponse struct {
	Tunings []api.Tuning `json:"tunings"`
}

// ListClientsRequest fetches known clients.
type ListClientsRequest struct{}

// ListClientsResponse contains known clients.
type ListClientsResponse struct {
	Clients []api.Client `json:"clients"`
}

// OutcomeRequest looks up a request by id.
type OutcomeRequest struct {
	RequestID string `json:"request_id"`
}

// OutcomeResponse reports the outcome when Found.
type OutcomeResponse struct {
	Found   bool        `json:"found"`
	Outcome api.Outcome `json:"outcome"`
}

// RequestPayload is the wire form of a tune, retune or untune request.
type RequestPayload = receiver.RequestPayload

// ResourceEntry is one opcode and value pair.
type ResourceEntry = receiver.ResourceEntry

// SignalPayload is the wire form of a signal.
type SignalPayload = receiver.SignalPayload
