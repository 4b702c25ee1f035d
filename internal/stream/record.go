// Package stream implements the line-framed JSON record pipeline consumed
// from the PowerShell host: framing, decoding, and demultiplexing of tagged
// records onto per-stream channels.
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tag classifies a decoded record onto one of the seven output streams.
type Tag string

const (
	TagSuccess     Tag = "Success"
	TagError       Tag = "Error"
	TagWarning     Tag = "Warning"
	TagVerbose     Tag = "Verbose"
	TagDebug       Tag = "Debug"
	TagInformation Tag = "Information"
	TagProgress    Tag = "Progress"
)

// knownTags is the set of valid stream classifiers on the wire.
var knownTags = map[Tag]struct{}{
	TagSuccess:     {},
	TagError:       {},
	TagWarning:     {},
	TagVerbose:     {},
	TagDebug:       {},
	TagInformation: {},
	TagProgress:    {},
}

// Valid reports whether t is one of the seven wire classifiers.
func (t Tag) Valid() bool {
	_, ok := knownTags[t]
	return ok
}

// Record is a decoded JSON value classified onto one output stream.
// Value holds the full decoded line, including the classifier field when the
// host emitted one.
type Record struct {
	Tag       Tag
	Value     json.RawMessage
	Timestamp time.Time
}

// Sentinel is the in-band end-of-invocation marker. It is never delivered to
// any stream; it signals logical completion without closing the underlying
// transport, which stays open for the next invocation.
type Sentinel struct {
	InvocationID string
	Finished     bool
}

// envelope probes the wire fields that classify a decoded object.
// All other object shapes pass through untouched.
type envelope struct {
	Stream       *string `json:"__PSStream"`
	InvocationID any     `json:"__PSINVOCATIONID"`
	Finished     bool    `json:"finished"`
}

// DecodeLine parses one wire line.
//
// A line is either a JSON value optionally tagged with __PSStream (absent tag
// defaults to Success), or the finished sentinel carrying __PSINVOCATIONID.
// Malformed JSON yields a *DecodeError including the offending fragment;
// a classifier outside the known set yields a *UnknownStreamTagError.
// Exactly one of the three return values is meaningful.
func DecodeLine(line []byte) (Record, *Sentinel, error) {
	var value any
	if err := json.Unmarshal(line, &value); err != nil {
		return Record{}, nil, &DecodeError{Fragment: string(line), Err: err}
	}

	rec := Record{
		Tag:       TagSuccess,
		Value:     append(json.RawMessage(nil), line...),
		Timestamp: time.Now(),
	}

	// Only objects can carry a classifier or the sentinel shape.
	if _, isObject := value.(map[string]any); !isObject {
		return rec, nil, nil
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Record{}, nil, &DecodeError{Fragment: string(line), Err: err}
	}

	if env.InvocationID != nil && env.Finished {
		return Record{}, &Sentinel{
			InvocationID: fmt.Sprint(env.InvocationID),
			Finished:     true,
		}, nil
	}

	if env.Stream != nil {
		tag := Tag(*env.Stream)
		if !tag.Valid() {
			return Record{}, nil, &UnknownStreamTagError{Tag: *env.Stream}
		}
		rec.Tag = tag
	}

	return rec, nil, nil
}
