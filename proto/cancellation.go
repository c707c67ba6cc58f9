package proto

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// A CloseCode is the numeric code carried by a transport close frame.
type CloseCode int

const (
	CloseNormal         CloseCode = 1000 // graceful termination
	CloseGoingAway      CloseCode = 1001 // browser tab or process went away
	CloseAbnormal       CloseCode = 1006 // connection dropped without a close frame
	ClosePeerDisconnect CloseCode = 4000 // a participant disconnected mid-session
	CloseLogicalError   CloseCode = 4001 // reason carries the offending role
	CloseRoleOccupied   CloseCode = 4002 // role slot unavailable during the join phase
)

// MaxCloseReason is the largest close reason a websocket close frame can
// carry.
const MaxCloseReason = 123

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going-away"
	case CloseAbnormal:
		return "abnormal"
	case ClosePeerDisconnect:
		return "peer-disconnect"
	case CloseLogicalError:
		return "logical-error"
	case CloseRoleOccupied:
		return "role-occupied"
	default:
		return fmt.Sprintf("unsupported(%d)", int(c))
	}
}

// A Cancellation is the payload of a 4000/4001/4002 close frame. Role names
// whose failure ended the session.
type Cancellation struct {
	Role   Role   `json:"role"`
	Reason string `json:"reason,omitempty"`
}

// NewCancellation builds a cancellation payload, rendering cause as a
// best-effort string.
func NewCancellation(role Role, cause interface{}) *Cancellation {
	return &Cancellation{Role: role, Reason: ReasonString(cause)}
}

// ReasonString renders an arbitrary failure cause.
func ReasonString(cause interface{}) string {
	switch c := cause.(type) {
	case nil:
		return ""
	case string:
		return c
	case error:
		return c.Error()
	case fmt.Stringer:
		return c.String()
	default:
		return fmt.Sprint(c)
	}
}

// Encode renders the payload as a close reason, truncating Reason (and then
// Role) so that the result fits in a close frame.
func (c *Cancellation) Encode() string {
	role, reason := string(c.Role), c.Reason
	for {
		data, err := json.Marshal(&Cancellation{Role: Role(role), Reason: reason})
		if err != nil {
			return ""
		}
		excess := len(data) - MaxCloseReason
		switch {
		case excess <= 0:
			return string(data)
		case reason != "":
			reason = truncate(reason, len(reason)-excess)
		case role != "":
			role = truncate(role, len(role)-excess)
		default:
			return string(data)
		}
	}
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func ParseCancellation(text string) (*Cancellation, error) {
	c := &Cancellation{}
	if err := json.Unmarshal([]byte(text), c); err != nil {
		return nil, err
	}
	if c.Role == "" {
		return nil, fmt.Errorf("cancellation: role required")
	}
	return c, nil
}

// DecodeReason extracts the reason from a close reason that may or may not
// be an encoded Cancellation.
func DecodeReason(text string) string {
	if c, err := ParseCancellation(text); err == nil {
		return c.Reason
	}
	return text
}
