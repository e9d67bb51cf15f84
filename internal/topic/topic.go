package topic

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	IDSize     = 32
	PrefixSize = 16
	TagSize    = 8
)

// ID is the 32-byte opaque address every routing and gating decision keys
// on: a 16-byte campus prefix followed by a 16-byte room suffix.
type ID [IDSize]byte

// Prefix is the campus-identifying half of an ID.
type Prefix [PrefixSize]byte

// Tag is one 8-byte room-suffix component (course, session, or reserved).
type Tag [TagSize]byte

func (id ID) Prefix() Prefix {
	var p Prefix
	copy(p[:], id[:PrefixSize])
	return p
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Hash8 is truncated SHA-256 over "salt|text". Every identifier component
// is derived through it.
func Hash8(salt, text string) Tag {
	sum := sha256.Sum256([]byte(salt + "|" + text))
	var t Tag
	copy(t[:], sum[:TagSize])
	return t
}

// CampusPrefix derives the 16-byte campus half of a topic id from two
// independently salted hashes, so the gate can match a topic to a campus
// without knowing the room.
func CampusPrefix(campusID string) Prefix {
	a := Hash8("campus", campusID)
	b := Hash8("campus2", campusID)
	var p Prefix
	copy(p[:TagSize], a[:])
	copy(p[TagSize:], b[:])
	return p
}

// CourseTag identifies a course offering. Department and term are
// case-folded so "comp 251 winter" and "COMP 251 WINTER" land in the same
// room.
func CourseTag(dept, number, term string) Tag {
	return Hash8("_", strings.ToUpper(dept)+"|"+number+"|"+strings.ToUpper(term))
}

// SessionTag identifies one scheduled meeting of a course.
func SessionTag(date, slot, building, room string) Tag {
	return Hash8("_", date+"|"+slot+"|"+building+"|"+room)
}

// CourseTopic assembles the full id for a (course, session) room.
func CourseTopic(campusID string, course, session Tag) ID {
	return assemble(CampusPrefix(campusID), course, session)
}

// Reserved rooms use two fixed salted hashes of the room name so their
// suffixes live in a different input domain than course/session suffixes.
func reservedTopic(campusID, name string) ID {
	return assemble(CampusPrefix(campusID), Hash8("room", name), Hash8("room2", name))
}

func AnnouncementsTopic(campusID string) ID {
	return reservedTopic(campusID, "announcements")
}

func GeneralTopic(campusID string) ID {
	return reservedTopic(campusID, "general")
}

func BroadcastTopic(campusID string) ID {
	return reservedTopic(campusID, "broadcast")
}

// CommunityTopic addresses a named sub-community room within a campus.
func CommunityTopic(campusID, name string) ID {
	return reservedTopic(campusID, name)
}

// DMTopic derives the direct-message room for two participants. Ids are
// sorted first so both sides compute the same room regardless of who
// initiates. Callers must pass stable account identifiers, not transport
// peer ids; the binding is account ids everywhere in this module.
func DMTopic(campusID, a, b string) ID {
	pair := []string{a, b}
	sort.Strings(pair)
	return assemble(CampusPrefix(campusID), Hash8("DM", pair[0]), Hash8("DM", pair[1]))
}

func assemble(p Prefix, a, b Tag) ID {
	var id ID
	copy(id[:PrefixSize], p[:])
	copy(id[PrefixSize:PrefixSize+TagSize], a[:])
	copy(id[PrefixSize+TagSize:], b[:])
	return id
}
