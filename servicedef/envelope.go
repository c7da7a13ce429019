package servicedef

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// Envelope is the only unit ever sent over a process channel. On the wire it is a single JSON
// object with a string "type" property; every other property is carried opaquely in Fields, so
// that a mock service can attach behavior-specific data without any protocol change.
//
// The same shape is used for operations (harness to process) and notifications (process to
// harness); which one an Envelope is depends only on the direction it travels.
type Envelope struct {
	Type   string
	Fields map[string]ldvalue.Value
}

// NewEnvelope creates an Envelope, copying the field map. A "type" key in fields is ignored.
func NewEnvelope(messageType string, fields map[string]ldvalue.Value) Envelope {
	e := Envelope{Type: messageType, Fields: make(map[string]ldvalue.Value, len(fields))}
	for k, v := range fields {
		if k != FieldType {
			e.Fields[k] = v
		}
	}
	return e
}

// Get returns the value of a field, or a null value if it is not present.
func (e Envelope) Get(key string) ldvalue.Value {
	return e.Fields[key]
}

// Has returns true if the field is present, even if its value is null.
func (e Envelope) Has(key string) bool {
	_, ok := e.Fields[key]
	return ok
}

// With returns a copy of the Envelope with one field added or replaced.
func (e Envelope) With(key string, value ldvalue.Value) Envelope {
	ret := NewEnvelope(e.Type, e.Fields)
	if key != FieldType {
		ret.Fields[key] = value
	}
	return ret
}

// Without returns a copy of the Envelope with the specified fields removed.
func (e Envelope) Without(keys ...string) Envelope {
	ret := NewEnvelope(e.Type, e.Fields)
	for _, k := range keys {
		delete(ret.Fields, k)
	}
	return ret
}

// Keys returns the field names in sorted order.
func (e Envelope) Keys() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the JSON representation, for debug logging.
func (e Envelope) String() string {
	data, err := e.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<unencodable %s envelope: %s>", e.Type, err)
	}
	return string(data)
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	all := make(map[string]ldvalue.Value, len(e.Fields)+1)
	for k, v := range e.Fields {
		all[k] = v
	}
	all[FieldType] = ldvalue.String(e.Type)
	return json.Marshal(all)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// DecodeError means that a frame read from a process channel could not be decoded. The frame is
// dropped; the channel itself remains usable.
type DecodeError struct {
	Frame  []byte
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	frame := strings.TrimSpace(string(e.Frame))
	if len(frame) > 200 {
		frame = frame[:200] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("could not decode frame (%s: %s): %q", e.Reason, e.Err, frame)
	}
	return fmt.Sprintf("could not decode frame (%s): %q", e.Reason, frame)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeEnvelope serializes an Envelope as a single newline-terminated frame.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("envelope has no type")
	}
	data, err := e.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeEnvelope parses a single frame. It returns a *DecodeError if the frame is not a JSON
// object with a string "type" property.
func DecodeEnvelope(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Envelope{}, &DecodeError{Frame: data, Reason: "empty frame"}
	}
	var fields map[string]ldvalue.Value
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Envelope{}, &DecodeError{Frame: data, Reason: "malformed JSON object", Err: err}
	}
	if fields == nil {
		return Envelope{}, &DecodeError{Frame: data, Reason: "frame is not a JSON object"}
	}
	t, ok := fields[FieldType]
	if !ok || t.Type() != ldvalue.StringType || t.StringValue() == "" {
		return Envelope{}, &DecodeError{Frame: data, Reason: `missing or invalid "type" property`}
	}
	delete(fields, FieldType)
	return Envelope{Type: t.StringValue(), Fields: fields}, nil
}

// FrameReader reads newline-delimited frames from a byte stream.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame. A frame that cannot be decoded produces a *DecodeError, after
// which the reader can still be used. Any other error, including io.EOF, is terminal.
func (f *FrameReader) Next() (Envelope, error) {
	for {
		line, err := f.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				return Envelope{}, &DecodeError{Frame: line, Reason: "truncated frame"}
			}
			return Envelope{}, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return DecodeEnvelope(line)
	}
}

// FrameWriter writes frames to a byte stream. It is safe for concurrent use.
type FrameWriter struct {
	w    io.Writer
	lock sync.Mutex
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (f *FrameWriter) Write(e Envelope) error {
	data, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	_, err = f.w.Write(data)
	return err
}
