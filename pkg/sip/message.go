package sip

import (
	"fmt"
	"strings"
)

const fieldTerminator = "|"

// UnknownCodeError reports an inbound message whose request code is not in
// the message table. The line was consumed whole, so the stream is still
// aligned on message boundaries; callers may reply and keep reading.
type UnknownCodeError struct {
	Code string
}

func (e *UnknownCodeError) Error() string {
	return fmt.Sprintf("sip: unknown message code %q", e.Code)
}

// Field is one coded variable-length field, e.g. {"AO", "example"}.
type Field struct {
	Code  string
	Value string
}

// Message is one SIP exchange unit: a spec, its ordered fixed fields, and
// any coded variable fields.
type Message struct {
	spec   *Spec
	fixed  []string
	fields []Field
}

// NewMessage builds a message with the given fixed-field values. The value
// count must match the spec; values are padded or truncated to their
// declared widths.
func NewMessage(spec *Spec, fixed ...string) (*Message, error) {
	if len(fixed) != len(spec.FixedFields) {
		return nil, fmt.Errorf("sip: message %s wants %d fixed fields, got %d",
			spec.Code, len(spec.FixedFields), len(fixed))
	}
	m := &Message{spec: spec, fixed: make([]string, len(fixed))}
	for i, v := range fixed {
		m.fixed[i] = fit(v, spec.FixedFields[i].Length)
	}
	return m, nil
}

func fit(v string, width int) string {
	if len(v) > width {
		return v[:width]
	}
	if len(v) < width {
		return v + strings.Repeat(" ", width-len(v))
	}
	return v
}

// Spec returns the message's spec.
func (m *Message) Spec() *Spec { return m.spec }

// FixedField returns the nth fixed-field value, trailing padding intact.
func (m *Message) FixedField(n int) string {
	if n < 0 || n >= len(m.fixed) {
		return ""
	}
	return m.fixed[n]
}

// AddField appends one coded variable field.
func (m *Message) AddField(code, value string) *Message {
	m.fields = append(m.fields, Field{Code: code, Value: value})
	return m
}

// Field returns the first variable field with the given code.
func (m *Message) Field(code string) (string, bool) {
	for _, f := range m.fields {
		if f.Code == code {
			return f.Value, true
		}
	}
	return "", false
}

// FieldValue returns the first matching field value or "".
func (m *Message) FieldValue(code string) string {
	v, _ := m.Field(code)
	return v
}

// Fields returns all variable fields in order.
func (m *Message) Fields() []Field { return m.fields }

// Encode renders the message without its trailing carriage return.
func (m *Message) Encode() string {
	var b strings.Builder
	b.WriteString(m.spec.Code)
	for _, v := range m.fixed {
		b.WriteString(v)
	}
	for _, f := range m.fields {
		b.WriteString(f.Code)
		b.WriteString(f.Value)
		b.WriteString(fieldTerminator)
	}
	return b.String()
}

// Decode parses one encoded message, without its terminator.
func Decode(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 2 {
		return nil, fmt.Errorf("sip: message too short: %q", line)
	}

	code := line[:2]
	spec, ok := SpecByCode(code)
	if !ok {
		return nil, &UnknownCodeError{Code: code}
	}

	rest := line[2:]
	m := &Message{spec: spec}

	for _, ff := range spec.FixedFields {
		if len(rest) < ff.Length {
			return nil, fmt.Errorf("sip: message %s truncated in fixed field %q", code, ff.Label)
		}
		m.fixed = append(m.fixed, rest[:ff.Length])
		rest = rest[ff.Length:]
	}

	for _, part := range strings.Split(rest, fieldTerminator) {
		if len(part) < 2 {
			continue
		}
		m.fields = append(m.fields, Field{Code: part[:2], Value: part[2:]})
	}

	return m, nil
}
