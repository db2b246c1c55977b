// Package sdp implements the RFC 4566 session/media description codec
// used to carry RTP endpoint negotiation inside SIP bodies. It wraps
// github.com/pion/sdp/v3's SessionDescription for the heavy parsing
// and re-exposes the spec's own flatter field set (v, o, s, c, t[],
// media[]).
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// MediaDescription mirrors spec §3: an m= line, an optional media-level
// c= line, and zero or more a= attribute lines.
type MediaDescription struct {
	Media      string // content after "m=", e.g. "audio 31002 RTP/AVP 0 8 101"
	Connection string // content after "c=", or "" if absent at this level
	Attributes []string
}

// Message is the spec's SDPMessage: session-level v/o/s/c/t plus media
// blocks. Invariant (checked by Parse): at least one t= and one m=audio.
type Message struct {
	Version    string
	Origin     string
	Session    string
	Connection string
	Timing     []string
	Media      []MediaDescription
}

// BadSDPError signals a missing required field per spec §4.4.
type BadSDPError struct {
	Field string
}

func (e *BadSDPError) Error() string {
	return fmt.Sprintf("sdp: missing required field %q", e.Field)
}

// Parse splits the body at the first m= line into a session-level
// block and zero-or-more media blocks (delegated to pion/sdp/v3), then
// validates the required fields spec §4.4 names.
func Parse(body []byte) (*Message, error) {
	// pion/sdp reports a missing s= or t= line as a generic syntax
	// error, so check for them first to return BadSDPError.
	text := "\n" + string(body)
	for _, field := range []string{"s", "t"} {
		if !strings.Contains(text, "\n"+field+"=") {
			return nil, &BadSDPError{Field: field}
		}
	}

	var sd pionsdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("sdp: parse: %w", err)
	}

	msg := &Message{
		Version: strconv.Itoa(int(sd.Version)),
		Origin:  originLine(sd.Origin),
		Session: string(sd.SessionName),
	}
	if sd.ConnectionInformation != nil {
		msg.Connection = connectionLine(sd.ConnectionInformation)
	}
	for _, td := range sd.TimeDescriptions {
		msg.Timing = append(msg.Timing, fmt.Sprintf("%d %d", td.Timing.StartTime, td.Timing.StopTime))
	}

	for _, md := range sd.MediaDescriptions {
		entry := MediaDescription{Media: mediaLine(md.MediaName)}
		if md.ConnectionInformation != nil {
			entry.Connection = connectionLine(md.ConnectionInformation)
		}
		for _, a := range md.Attributes {
			entry.Attributes = append(entry.Attributes, a.String())
		}
		msg.Media = append(msg.Media, entry)
	}

	if msg.Session == "" {
		return nil, &BadSDPError{Field: "s"}
	}
	if len(msg.Timing) == 0 {
		return nil, &BadSDPError{Field: "t"}
	}
	if !msg.hasAudioMedia() {
		return nil, &BadSDPError{Field: "m=audio"}
	}

	return msg, nil
}

func (m *Message) hasAudioMedia() bool {
	for _, md := range m.Media {
		if strings.HasPrefix(md.Media, "audio ") {
			return true
		}
	}
	return false
}

func originLine(o pionsdp.Origin) string {
	return fmt.Sprintf("%s %d %d %s %s %s",
		orDash(o.Username), o.SessionID, o.SessionVersion, o.NetworkType, o.AddressType, o.UnicastAddress)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func connectionLine(c *pionsdp.ConnectionInformation) string {
	addr := ""
	if c.Address != nil {
		addr = c.Address.Address
	}
	return fmt.Sprintf("%s %s %s", c.NetworkType, c.AddressType, addr)
}

func mediaLine(m pionsdp.MediaName) string {
	return fmt.Sprintf("%s %d %s %s",
		m.Media, m.Port.Value, strings.Join(m.Protos, "/"), strings.Join(m.Formats, " "))
}

// Serialize emits v, o, s, c, t*, (m, a*)* in that order, one line per
// field, CRLF-terminated, per spec §4.4.
func (m *Message) Serialize() []byte {
	var b strings.Builder
	writeLine := func(tag, content string) {
		b.WriteString(tag)
		b.WriteString("=")
		b.WriteString(content)
		b.WriteString("\r\n")
	}

	writeLine("v", m.Version)
	writeLine("o", m.Origin)
	writeLine("s", m.Session)
	if m.Connection != "" {
		writeLine("c", m.Connection)
	}
	for _, t := range m.Timing {
		writeLine("t", t)
	}
	for _, md := range m.Media {
		writeLine("m", md.Media)
		if md.Connection != "" {
			writeLine("c", md.Connection)
		}
		for _, a := range md.Attributes {
			writeLine("a", a)
		}
	}
	return []byte(b.String())
}

// EffectiveConnection returns the connection-address line to use for a
// media block: media-level c= overrides session-level, per spec §8
// boundary behavior and original_source's RTPSessionParams.from_sdp.
func (m *Message) EffectiveConnection(media MediaDescription) string {
	if media.Connection != "" {
		return media.Connection
	}
	return m.Connection
}

// FirstAudioMedia returns the first m=audio media block, if any.
func (m *Message) FirstAudioMedia() (MediaDescription, bool) {
	for _, md := range m.Media {
		if strings.HasPrefix(md.Media, "audio ") {
			return md, true
		}
	}
	return MediaDescription{}, false
}
