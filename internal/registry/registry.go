// Package registry maps discovered characteristics onto the fixed set of roles
// the sensor exposes.
package registry

import (
	"strings"

	"github.com/srg/hrvlink/internal/device"
)

// Role identifies one of the sensor characteristics.
type Role int

const (
	Command Role = iota
	Response
	Bpm
	LiveSignal
	LiveRr
)

// ServiceUUID is the primary service carrying every role.
const ServiceUUID = "0777dfa9-204b-11ef-8fea-646ee0fcbb46"

type roleInfo struct {
	name     string
	uuid     string
	requires device.Capability
}

var roles = [...]roleInfo{
	Command:    {"command", "07dba383-204b-11ef-a096-646ee0fcbb46", device.CapWrite},
	Response:   {"response", "5f0b1b60-2177-11ef-971d-646ee0fcbb46", device.CapRead | device.CapNotify},
	Bpm:        {"bpm", "45ed7702-21d5-11ef-8771-646ee0fcbb46", device.CapRead | device.CapNotify},
	LiveSignal: {"live_signal", "f0a7ba94-2426-11ef-bb71-646ee0fcbb46", device.CapRead | device.CapNotify},
	LiveRr:     {"live_rr", "f187ef45-2426-11ef-bb71-646ee0fcbb46", device.CapRead | device.CapNotify},
}

// Table lists every role in subscription order, Command first.
var Table = []Role{Command, Response, Bpm, LiveSignal, LiveRr}

// Subscribed lists the roles that stream notifications, in the order they are subscribed.
var Subscribed = []Role{Response, Bpm, LiveSignal, LiveRr}

func (r Role) valid() bool {
	return r >= Command && r <= LiveRr
}

func (r Role) String() string {
	if !r.valid() {
		return "unknown"
	}
	return roles[r].name
}

// UUID returns the canonical dashed UUID of the role.
func (r Role) UUID() string {
	if !r.valid() {
		return ""
	}
	return roles[r].uuid
}

// Requires returns the capabilities a characteristic must advertise to serve the role.
func (r Role) Requires() device.Capability {
	if !r.valid() {
		return 0
	}
	return roles[r].requires
}

// Notifies reports whether the role streams values.
func (r Role) Notifies() bool {
	return r.valid() && r != Command
}

// Resolve returns the role for a characteristic UUID when the characteristic
// also carries every capability the role requires. A UUID match with missing
// capabilities does not resolve.
func Resolve(uuid string, caps device.Capability) (Role, bool) {
	canonical, err := device.CanonicalUUID(uuid)
	if err != nil {
		return 0, false
	}
	for _, r := range Table {
		if roles[r].uuid != canonical {
			continue
		}
		if !caps.Has(roles[r].requires) {
			return r, false
		}
		return r, true
	}
	return 0, false
}

// Resolved is a characteristic bound to its role.
type Resolved struct {
	Role         Role
	Capabilities device.Capability
	Char         device.Characteristic
}

// Set accumulates resolved characteristics across discovery batches.
type Set struct {
	byRole map[Role]Resolved
}

func NewSet() *Set {
	return &Set{byRole: make(map[Role]Resolved, len(Table))}
}

// Add resolves every characteristic in chars and records the matches. It
// returns the characteristics whose UUID matched a role but whose capabilities
// did not.
func (s *Set) Add(chars []device.Characteristic) (rejected []device.Characteristic) {
	for _, ch := range chars {
		role, ok := Resolve(ch.UUID, ch.Capabilities)
		if !ok {
			if sameUUID(role.UUID(), ch.UUID) {
				rejected = append(rejected, ch)
			}
			continue
		}
		if _, dup := s.byRole[role]; dup {
			continue
		}
		s.byRole[role] = Resolved{Role: role, Capabilities: ch.Capabilities, Char: ch}
	}
	return rejected
}

// Get returns the resolved characteristic for a role.
func (s *Set) Get(r Role) (Resolved, bool) {
	res, ok := s.byRole[r]
	return res, ok
}

// Complete reports whether every role has resolved.
func (s *Set) Complete() bool {
	return len(s.byRole) == len(Table)
}

// Missing lists unresolved roles in table order.
func (s *Set) Missing() []Role {
	var missing []Role
	for _, r := range Table {
		if _, ok := s.byRole[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

// Len returns the number of resolved roles.
func (s *Set) Len() int {
	return len(s.byRole)
}

// Clear invalidates every resolved role.
func (s *Set) Clear() {
	clear(s.byRole)
}

// RoleNames renders roles for logs and error messages.
func RoleNames(rs []Role) string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = r.String()
	}
	return strings.Join(names, ", ")
}

func sameUUID(a, b string) bool {
	ca, errA := device.CanonicalUUID(a)
	cb, errB := device.CanonicalUUID(b)
	return errA == nil && errB == nil && ca == cb
}
