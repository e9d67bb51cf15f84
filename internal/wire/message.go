package wire

import (
	"encoding/binary"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/skywalkerx28/chatM-sub000/internal/topic"
)

const (
	flagEncrypted = 1 << 0 // reserved for payload encryption
	flagMentions  = 1 << 1

	// flags + topic length byte + topic + timestamp + two empty
	// length-prefixed short fields.
	minMessageSize = 1 + 1 + topic.IDSize + 8 + 1 + 1

	MaxShortField = 255
	MaxContent    = 65535
	MaxMentions   = 255
)

var ErrMalformed = errors.New("wire: malformed message")

// Message is the single on-the-wire payload type this core defines: text
// addressed to a topic. The transport packet around it is out of scope.
type Message struct {
	Topic     topic.ID
	ID        string
	Sender    string
	Content   string
	Timestamp time.Time
	Mentions  []string
}

// Encode emits the fixed big-endian layout. Over-long fields are truncated
// to their length-prefix capacity rather than rejected; callers that cannot
// tolerate truncation validate before encoding.
func (m Message) Encode() []byte {
	id := truncate(m.ID, MaxShortField)
	sender := truncate(m.Sender, MaxShortField)
	content := truncate(m.Content, MaxContent)
	mentions := m.Mentions
	if len(mentions) > MaxMentions {
		mentions = mentions[:MaxMentions]
	}

	size := minMessageSize + len(id) + len(sender) + 2 + len(content)
	if len(mentions) > 0 {
		size++
		for _, name := range mentions {
			size += 1 + len(truncate(name, MaxShortField))
		}
	}

	out := make([]byte, 0, size)
	var flags byte
	if len(mentions) > 0 {
		flags |= flagMentions
	}
	out = append(out, flags, topic.IDSize)
	out = append(out, m.Topic[:]...)
	out = binary.BigEndian.AppendUint64(out, uint64(m.Timestamp.UnixMilli()))
	out = appendShort(out, id)
	out = appendShort(out, sender)
	out = binary.BigEndian.AppendUint16(out, uint16(len(content)))
	out = append(out, content...)
	if len(mentions) > 0 {
		out = append(out, byte(len(mentions)))
		for _, name := range mentions {
			out = appendShort(out, truncate(name, MaxShortField))
		}
	}
	return out
}

// Decode parses an encoded message. Any buffer that is too short, carries a
// topic-length byte other than 32, or has a length-prefixed field running
// past the end fails whole; no partial message is ever returned.
func Decode(buf []byte) (Message, error) {
	if len(buf) < minMessageSize {
		return Message{}, ErrMalformed
	}
	flags := buf[0]
	if buf[1] != topic.IDSize {
		return Message{}, ErrMalformed
	}
	var m Message
	copy(m.Topic[:], buf[2:2+topic.IDSize])
	off := 2 + topic.IDSize
	m.Timestamp = time.UnixMilli(int64(binary.BigEndian.Uint64(buf[off : off+8]))).UTC()
	off += 8

	var ok bool
	if m.ID, off, ok = readShort(buf, off); !ok {
		return Message{}, ErrMalformed
	}
	if m.Sender, off, ok = readShort(buf, off); !ok {
		return Message{}, ErrMalformed
	}
	if off+2 > len(buf) {
		return Message{}, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+n > len(buf) {
		return Message{}, ErrMalformed
	}
	m.Content = string(buf[off : off+n])
	off += n

	if flags&flagMentions != 0 {
		if off >= len(buf) {
			return Message{}, ErrMalformed
		}
		count := int(buf[off])
		off++
		mentions := make([]string, 0, count)
		for i := 0; i < count; i++ {
			var name string
			if name, off, ok = readShort(buf, off); !ok {
				return Message{}, ErrMalformed
			}
			mentions = append(mentions, name)
		}
		m.Mentions = mentions
	}
	// Trailing bytes are tolerated so transports may pad packets.
	return m, nil
}

func appendShort(out []byte, s string) []byte {
	out = append(out, byte(len(s)))
	return append(out, s...)
}

func readShort(buf []byte, off int) (string, int, bool) {
	if off >= len(buf) {
		return "", off, false
	}
	n := int(buf[off])
	off++
	if off+n > len(buf) {
		return "", off, false
	}
	return string(buf[off : off+n]), off + n, true
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
