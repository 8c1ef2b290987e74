// Package protocol implements the wire format spoken over the registry's
// control socket.
//
// Two versions share one socket. Version 1 is the legacy tag micro-format:
// literal <tag> markers inside fixed-capacity buffers, with list records
// joined by percent-literal separators. Version 2 frames a protobuf wire
// encoded message behind a version byte and a length prefix, so neither
// requests nor responses are ever truncated. The first byte of a request
// tells the two apart.
package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for requests that cannot be dispatched, e.g.
	// a request without a token.
	ErrMalformed = errors.New("malformed request")

	// ErrFrameTooLarge is returned when a version 2 frame exceeds
	// MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Verb identifies one of the five registry operations.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbSubmit
	VerbList
	VerbDetail
	VerbNext
	VerbCancel
)

var verbNames = []string{
	"unknown",
	"submit",
	"list",
	"detail",
	"next",
	"cancel",
}

func (v Verb) String() string {
	if int(v) < 0 || int(v) >= len(verbNames) {
		return verbNames[0]
	}

	return verbNames[v]
}

// Version is the wire format version of a single exchange.
type Version int

const (
	Version1 Version = 1
	Version2 Version = 2
)

// Request is a decoded registry request. Command and User are optional
// depending on the verb.
type Request struct {
	Verb    Verb
	Token   string
	Command string
	User    string
}

// Record describes one job as reported by list, detail and next. StartTime
// is in Unix seconds. ReadOffset is -1 once the job has been fully drained.
type Record struct {
	StartTime  int64
	Command    string
	Token      string
	User       string
	ReadOffset int64
}

// Status is the outcome of a request.
type Status int

const (
	// StatusOK indicates the request was carried out.
	StatusOK Status = iota

	// StatusEmpty indicates there was nothing to report, e.g. an unknown
	// token.
	StatusEmpty

	// StatusRefused indicates the requester is not allowed to act on the job.
	// No state was changed.
	StatusRefused

	// StatusFailed indicates an internal fault, e.g. the worker could not be
	// spawned.
	StatusFailed
)

var statusNames = []string{"OK", "Empty", "Refused", "Failed"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}

	return statusNames[s]
}

// Response is a registry reply. For next, From holds the read offset before
// the request was applied and Records[0].ReadOffset the offset after it, so
// the caller fetches exactly [From, ReadOffset) from the spool file.
type Response struct {
	Status  Status
	Records []Record
	From    int64
	Error   string
}
