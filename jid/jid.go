// Package jid handles the addresses used by the messaging protocol to name
// accounts, groups and anonymized linked-device identities.
package jid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Known servers (domains).
const (
	DefaultUserServer = "s.whatsapp.net"
	LegacyUserServer  = "c.us"
	GroupServer       = "g.us"
	HiddenUserServer  = "lid"
	BroadcastServer   = "broadcast"
	NewsletterServer  = "newsletter"
)

var (
	// ServerJID is the address of the protocol server itself.
	ServerJID = JID{Server: DefaultUserServer}

	// StatusBroadcast is the address of the status broadcast list.
	StatusBroadcast = JID{User: "status", Server: BroadcastServer}
)

var errEmptyJID = errors.New("empty jid")

// JID is a parsed address of the form user[_instance][:device]@server.
//
// Instance is only meaningful for the HiddenUserServer.
type JID struct {
	User     string
	Instance uint16
	Device   uint16
	Server   string
}

// New returns a device-less JID for the given user and server.
func New(user, server string) JID {
	return JID{User: user, Server: server}
}

// Parse parses the passed string as a JID. A string without an @ is
// interpreted as a server-only address.
func Parse(s string) (JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return JID{}, errEmptyJID
	}

	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return JID{Server: strings.ToLower(s)}, nil
	}
	if at == len(s)-1 {
		return JID{}, fmt.Errorf("jid %q has empty server", s)
	}

	j := JID{Server: strings.ToLower(s[at+1:])}
	if j.Server == LegacyUserServer {
		j.Server = DefaultUserServer
	}
	user := s[:at]

	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		dev, err := strconv.ParseUint(user[colon+1:], 10, 16)
		if err != nil {
			return JID{}, fmt.Errorf("jid %q has invalid device: %w", s, err)
		}
		j.Device = uint16(dev)
		user = user[:colon]
	}

	if j.Server == HiddenUserServer {
		if us := strings.IndexByte(user, '_'); us >= 0 {
			inst, err := strconv.ParseUint(user[us+1:], 10, 16)
			if err != nil {
				return JID{}, fmt.Errorf("jid %q has invalid instance: %w", s, err)
			}
			j.Instance = uint16(inst)
			user = user[:us]
		}
	} else if dot := strings.IndexByte(user, '.'); dot >= 0 && j.Server == DefaultUserServer {
		// Drop the agent part of legacy AD jids (user.0:1@s.whatsapp.net).
		user = user[:dot]
	}

	j.User = user
	return j, nil
}

// MustParse is like Parse but panics on errors. Only use with constants.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// String returns the full representation of the JID.
func (j JID) String() string {
	if j.User == "" {
		return j.Server
	}
	var b strings.Builder
	b.WriteString(j.User)
	if j.Instance > 0 {
		b.WriteByte('_')
		b.WriteString(strconv.FormatUint(uint64(j.Instance), 10))
	}
	if j.Device > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(uint64(j.Device), 10))
	}
	b.WriteByte('@')
	b.WriteString(j.Server)
	return b.String()
}

// IsEmpty returns true if this is the zero JID.
func (j JID) IsEmpty() bool {
	return j.Server == ""
}

// ToNonAD returns the JID without its device and instance suffixes.
func (j JID) ToNonAD() JID {
	return JID{User: j.User, Server: j.Server}
}

// IsGroup returns true if this is the address of a group.
func (j JID) IsGroup() bool {
	return j.Server == GroupServer
}

// IsLID returns true if this is an anonymized linked-device identity.
func (j JID) IsLID() bool {
	return j.Server == HiddenUserServer
}

// IsUser returns true if this is the address of an individual account,
// either phone-number or anonymized.
func (j JID) IsUser() bool {
	return j.Server == DefaultUserServer || j.Server == HiddenUserServer
}

// IsBroadcast returns true for broadcast lists (including status updates).
func (j JID) IsBroadcast() bool {
	return j.Server == BroadcastServer
}

// MarshalText encodes the JID using its string representation.
func (j JID) MarshalText() ([]byte, error) {
	return []byte(j.String()), nil
}

// UnmarshalText decodes a JID. An empty text decodes to the empty JID.
func (j *JID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*j = JID{}
		return nil
	}
	var err error
	*j, err = Parse(string(b))
	return err
}
