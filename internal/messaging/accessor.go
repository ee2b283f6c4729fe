package messaging

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-stomp/stomp/v3/frame"
)

// HeaderAccessor is a mutable view over a message's STOMP headers. Accessors
// created for outbound frames start mutable; SetImmutable seals them before
// they are handed to downstream subscribers. A generic simple-messaging
// accessor has a message type but no STOMP command until one is derived with
// UpdateCommandAsClientMessage.
type HeaderAccessor struct {
	command  string
	typ      MessageType
	header   *frame.Header
	mutable  bool
	modified bool
}

// NewAccessor creates a mutable accessor for the given STOMP command.
func NewAccessor(command string) *HeaderAccessor {
	return &HeaderAccessor{
		command: command,
		typ:     typeForCommand(command),
		header:  frame.NewHeader(),
		mutable: true,
	}
}

// NewPlainAccessor creates a mutable accessor carrying only a message type,
// the shape produced by generic simple-messaging templates.
func NewPlainAccessor(typ MessageType) *HeaderAccessor {
	return &HeaderAccessor{
		typ:     typ,
		header:  frame.NewHeader(),
		mutable: true,
	}
}

// FromFrame wraps a decoded STOMP frame in a mutable accessor. A nil frame is
// the codec's representation of a heartbeat.
func FromFrame(f *frame.Frame) *HeaderAccessor {
	if f == nil {
		return &HeaderAccessor{
			typ:     TypeHeartbeat,
			header:  frame.NewHeader(),
			mutable: true,
		}
	}
	h := f.Header
	if h == nil {
		h = frame.NewHeader()
	}
	return &HeaderAccessor{
		command: f.Command,
		typ:     typeForCommand(f.Command),
		header:  h,
		mutable: true,
	}
}

func typeForCommand(command string) MessageType {
	switch command {
	case frame.CONNECT, frame.STOMP, frame.CONNECTED:
		return TypeConnect
	case frame.DISCONNECT:
		return TypeDisconnect
	case frame.SUBSCRIBE:
		return TypeSubscribe
	case frame.UNSUBSCRIBE:
		return TypeUnsubscribe
	case frame.SEND, frame.MESSAGE:
		return TypeMessage
	case "":
		return TypeHeartbeat
	default:
		return TypeOther
	}
}

// Command returns the STOMP command, or "" if none is set.
func (a *HeaderAccessor) Command() string {
	return a.command
}

// Type returns the message type.
func (a *HeaderAccessor) Type() MessageType {
	return a.typ
}

// IsHeartbeat reports whether this accessor describes a heartbeat frame.
func (a *HeaderAccessor) IsHeartbeat() bool {
	return a.typ == TypeHeartbeat && a.command == ""
}

// UpdateCommandAsClientMessage derives the client-side STOMP command from the
// message type and sets it. Returns the derived command, or "" when the type
// has no client-side command.
func (a *HeaderAccessor) UpdateCommandAsClientMessage() string {
	a.checkMutable()
	switch a.typ {
	case TypeConnect:
		a.command = frame.CONNECT
	case TypeDisconnect:
		a.command = frame.DISCONNECT
	case TypeSubscribe:
		a.command = frame.SUBSCRIBE
	case TypeUnsubscribe:
		a.command = frame.UNSUBSCRIBE
	case TypeMessage:
		a.command = frame.SEND
	}
	return a.command
}

// SessionID returns the session header, or "" if absent.
func (a *HeaderAccessor) SessionID() string {
	v, _ := a.header.Contains(frame.Session)
	return v
}

// SetSessionID sets the session header.
func (a *HeaderAccessor) SetSessionID(id string) {
	a.set(frame.Session, id)
}

// Destination returns the destination header, or "" if absent.
func (a *HeaderAccessor) Destination() string {
	v, _ := a.header.Contains(frame.Destination)
	return v
}

// SetDestination sets the destination header.
func (a *HeaderAccessor) SetDestination(dest string) {
	a.set(frame.Destination, dest)
}

// Login returns the login header.
func (a *HeaderAccessor) Login() string {
	v, _ := a.header.Contains(frame.Login)
	return v
}

// SetLogin sets the login header.
func (a *HeaderAccessor) SetLogin(login string) {
	a.set(frame.Login, login)
}

// Passcode returns the passcode header.
func (a *HeaderAccessor) Passcode() string {
	v, _ := a.header.Contains(frame.Passcode)
	return v
}

// SetPasscode sets the passcode header.
func (a *HeaderAccessor) SetPasscode(passcode string) {
	a.set(frame.Passcode, passcode)
}

// Host returns the host header.
func (a *HeaderAccessor) Host() string {
	v, _ := a.header.Contains(frame.Host)
	return v
}

// SetHost sets the host header.
func (a *HeaderAccessor) SetHost(host string) {
	a.set(frame.Host, host)
}

// SetAcceptVersion sets the accept-version header.
func (a *HeaderAccessor) SetAcceptVersion(versions string) {
	a.set(frame.AcceptVersion, versions)
}

// AcceptVersion returns the accept-version header.
func (a *HeaderAccessor) AcceptVersion() string {
	v, _ := a.header.Contains(frame.AcceptVersion)
	return v
}

// MessageText returns the message header used on ERROR frames.
func (a *HeaderAccessor) MessageText() string {
	v, _ := a.header.Contains(frame.Message)
	return v
}

// SetMessageText sets the message header used on ERROR frames.
func (a *HeaderAccessor) SetMessageText(text string) {
	a.set(frame.Message, text)
}

// Heartbeat returns the negotiated heartbeat pair [sendInterval,
// receiveInterval] in milliseconds. Absent or malformed values read as 0.
func (a *HeaderAccessor) Heartbeat() (send, receive int64) {
	v, ok := a.header.Contains(frame.HeartBeat)
	if !ok {
		return 0, 0
	}
	parts := strings.SplitN(v, ",", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	send, _ = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	receive, _ = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	return send, receive
}

// SetHeartbeat sets the heart-beat header from a millisecond pair.
func (a *HeaderAccessor) SetHeartbeat(send, receive int64) {
	a.set(frame.HeartBeat, fmt.Sprintf("%d,%d", send, receive))
}

// Get returns an arbitrary header value.
func (a *HeaderAccessor) Get(key string) (string, bool) {
	return a.header.Contains(key)
}

// Set sets an arbitrary header value.
func (a *HeaderAccessor) Set(key, value string) {
	a.set(key, value)
}

func (a *HeaderAccessor) set(key, value string) {
	a.checkMutable()
	a.header.Set(key, value)
	a.modified = true
}

func (a *HeaderAccessor) checkMutable() {
	if !a.mutable {
		panic("messaging: header accessor is immutable")
	}
}

// ForEach calls fn for every header entry.
func (a *HeaderAccessor) ForEach(fn func(key, value string)) {
	for i := 0; i < a.header.Len(); i++ {
		key, value := a.header.GetAt(i)
		fn(key, value)
	}
}

// IsMutable reports whether the accessor can still be modified.
func (a *HeaderAccessor) IsMutable() bool {
	return a.mutable
}

// IsModified reports whether any header was changed since creation or the
// last Clone.
func (a *HeaderAccessor) IsModified() bool {
	return a.modified
}

// SetImmutable seals the accessor. Further setter calls panic.
func (a *HeaderAccessor) SetImmutable() {
	a.mutable = false
}

// Clone returns a mutable deep copy of the accessor with a fresh modification
// flag.
func (a *HeaderAccessor) Clone() *HeaderAccessor {
	return &HeaderAccessor{
		command: a.command,
		typ:     a.typ,
		header:  a.header.Clone(),
		mutable: true,
	}
}

// ToFrame builds the wire frame for this accessor and payload. Heartbeat
// accessors map to a nil frame, the codec's heartbeat representation.
func (a *HeaderAccessor) ToFrame(payload []byte) *frame.Frame {
	if a.IsHeartbeat() {
		return nil
	}
	return &frame.Frame{
		Command: a.command,
		Header:  a.header,
		Body:    payload,
	}
}

// CommandRequiresDestination reports whether frames with the given command
// must carry a destination header.
func CommandRequiresDestination(command string) bool {
	switch command {
	case frame.SEND, frame.SUBSCRIBE, frame.MESSAGE:
		return true
	}
	return false
}
