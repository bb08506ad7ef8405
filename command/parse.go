package command

import (
	"strconv"
	"strings"
)

// Frame is a message split into its tag and positional fields.
type Frame struct {
	Tag    string
	Kind   Kind
	Fields []string
}

// Split cuts msg on the delimiter without validating anything beyond the tag.
func Split(msg string) Frame {
	parts := strings.Split(strings.TrimSpace(msg), Delimiter)
	return Frame{
		Tag:    parts[0],
		Kind:   Lookup(parts[0]),
		Fields: parts[1:],
	}
}

// Parse decodes one control message. An unresolved tag is not an error and
// yields Unknown; arity and field type failures return a *ParseError and a
// nil Command.
func Parse(msg string) (Command, error) {
	f := Split(msg)
	if f.Kind == KindUnknown {
		return Unknown{Tag: f.Tag, Fields: f.Fields}, nil
	}
	if len(f.Fields) != f.Kind.Arity() {
		return nil, &ParseError{Code: ErrArityMismatch, Kind: f.Kind, Input: msg}
	}
	p := fieldParser{frame: f, input: msg}
	var cmd Command
	switch f.Kind {
	case KindMotor:
		cmd = Motor{
			Left:  p.int(0, "left_speed"),
			Right: p.int(1, "right_speed"),
		}
	case KindServo:
		cmd = Servo{
			ID:    p.ident(0, "servo_id"),
			Angle: p.int(1, "angle"),
		}
	case KindLed:
		cmd = Led{
			Mode:       p.int(0, "mode"),
			Red:        p.int(1, "red"),
			Green:      p.int(2, "green"),
			Blue:       p.int(3, "blue"),
			Brightness: p.int(4, "brightness"),
		}
	case KindSonic:
		cmd = Sonic{}
	case KindAction:
		cmd = Action{Name: p.ident(0, "action_type")}
	}
	if p.err != nil {
		return nil, p.err
	}
	return cmd, nil
}

// fieldParser keeps the first conversion failure so a variant is either
// built completely or discarded.
type fieldParser struct {
	frame Frame
	input string
	err   *ParseError
}

func (p *fieldParser) int(i int, name string) int {
	if p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(p.frame.Fields[i])
	if err != nil {
		p.fail(name)
		return 0
	}
	return v
}

func (p *fieldParser) ident(i int, name string) string {
	if p.err != nil {
		return ""
	}
	v := p.frame.Fields[i]
	if !isIdent(v) {
		p.fail(name)
		return ""
	}
	return v
}

func (p *fieldParser) fail(name string) {
	p.err = &ParseError{Code: ErrTypeMismatch, Kind: p.frame.Kind, Field: name, Input: p.input}
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
