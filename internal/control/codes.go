package control

import "fmt"

// Code is a CoAP-style response code: class in the top three bits, detail in
// the low five.
type Code uint8

const (
	Created            Code = 2<<5 | 1
	Deleted            Code = 2<<5 | 2
	Changed            Code = 2<<5 | 4
	Content            Code = 2<<5 | 5
	BadRequest         Code = 4<<5 | 0
	Forbidden          Code = 4<<5 | 3
	NotFound           Code = 4<<5 | 4
	MethodNotAllowed   Code = 4<<5 | 5
	ServiceUnavailable Code = 5<<5 | 3
)

var codeNames = map[Code]string{
	Created:            "Created",
	Deleted:            "Deleted",
	Changed:            "Changed",
	Content:            "Content",
	BadRequest:         "Bad Request",
	Forbidden:          "Forbidden",
	NotFound:           "Not Found",
	MethodNotAllowed:   "Method Not Allowed",
	ServiceUnavailable: "Service Unavailable",
}

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

// Success reports a 2.xx code.
func (c Code) Success() bool { return c.Class() == 2 }

// Dotted renders "c.dd", e.g. "2.05".
func (c Code) Dotted() string { return fmt.Sprintf("%d.%02d", c.Class(), c.Detail()) }

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return c.Dotted() + " " + n
	}
	return c.Dotted()
}

// ParseCode reverses Dotted.
func ParseCode(s string) (Code, error) {
	var class, detail uint8
	if _, err := fmt.Sscanf(s, "%d.%d", &class, &detail); err != nil {
		return 0, fmt.Errorf("parse code %q: %w", s, err)
	}
	if class > 7 || detail > 31 {
		return 0, fmt.Errorf("parse code %q: out of range", s)
	}
	return Code(class<<5 | detail), nil
}
