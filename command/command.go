package command

import (
	"strconv"
	"strings"
)

// ProtocolVersion identifies the tag table below. Bump it whenever a tag,
// an arity or a field type changes.
const ProtocolVersion = 1

const Delimiter = "#"

type Kind int

const (
	KindUnknown Kind = iota
	KindMotor
	KindServo
	KindLed
	KindSonic
	KindAction
)

const (
	TagMotor  = "MOTOR"
	TagServo  = "SERVO"
	TagLed    = "LED"
	TagSonic  = "SONIC"
	TagAction = "ACTION"
)

// Tags sent by older phone clients.
const (
	LegacyTagMotor  = "CMD_MOTOR"
	LegacyTagServo  = "CMD_SERVO"
	LegacyTagLed    = "CMD_LED"
	LegacyTagSonic  = "CMD_SONIC"
	LegacyTagAction = "CMD_ACTION"
)

var tags = map[string]Kind{
	TagMotor:        KindMotor,
	TagServo:        KindServo,
	TagLed:          KindLed,
	TagSonic:        KindSonic,
	TagAction:       KindAction,
	LegacyTagMotor:  KindMotor,
	LegacyTagServo:  KindServo,
	LegacyTagLed:    KindLed,
	LegacyTagSonic:  KindSonic,
	LegacyTagAction: KindAction,
}

func (k Kind) String() string {
	switch k {
	case KindMotor:
		return TagMotor
	case KindServo:
		return TagServo
	case KindLed:
		return TagLed
	case KindSonic:
		return TagSonic
	case KindAction:
		return TagAction
	}
	return "UNKNOWN"
}

// Arity is the exact number of fields following the tag.
func (k Kind) Arity() int {
	switch k {
	case KindMotor, KindServo:
		return 2
	case KindLed:
		return 5
	case KindAction:
		return 1
	}
	return 0
}

// Lookup resolves a tag by exact, case-sensitive match.
func Lookup(tag string) Kind {
	return tags[tag]
}

// Command is one of Motor, Servo, Led, Sonic, Action or Unknown.
type Command interface {
	Kind() Kind
	String() string
}

// Motor carries the signed duty of each drive side in percent.
type Motor struct {
	Left  int
	Right int
}

type Servo struct {
	ID    string
	Angle int
}

type Led struct {
	Mode       int
	Red        int
	Green      int
	Blue       int
	Brightness int
}

type Sonic struct{}

type Action struct {
	Name string
}

// Unknown keeps the unresolved tag and its raw fields for logging.
type Unknown struct {
	Tag    string
	Fields []string
}

func (Motor) Kind() Kind   { return KindMotor }
func (Servo) Kind() Kind   { return KindServo }
func (Led) Kind() Kind     { return KindLed }
func (Sonic) Kind() Kind   { return KindSonic }
func (Action) Kind() Kind  { return KindAction }
func (Unknown) Kind() Kind { return KindUnknown }

func (c Motor) String() string {
	return join(TagMotor, strconv.Itoa(c.Left), strconv.Itoa(c.Right))
}

func (c Servo) String() string {
	return join(TagServo, c.ID, strconv.Itoa(c.Angle))
}

func (c Led) String() string {
	return join(TagLed,
		strconv.Itoa(c.Mode),
		strconv.Itoa(c.Red),
		strconv.Itoa(c.Green),
		strconv.Itoa(c.Blue),
		strconv.Itoa(c.Brightness))
}

func (Sonic) String() string {
	return TagSonic
}

func (c Action) String() string {
	return join(TagAction, c.Name)
}

func (c Unknown) String() string {
	return join(c.Tag, c.Fields...)
}

// Encode renders the canonical wire form of cmd.
func Encode(cmd Command) string {
	return cmd.String()
}

func join(tag string, fields ...string) string {
	if len(fields) == 0 {
		return tag
	}
	return tag + Delimiter + strings.Join(fields, Delimiter)
}
