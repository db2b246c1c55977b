// Package control implements the Control Channel spec §4.7/§6
// describes: a single-peer WebSocket server carrying text-frame
// ControlCommands, with bounded drop-oldest queues on both the send
// and receive sides and an inbound rate limiter. Grounded on
// USA-RedDragon-DMRHub's internal/http/websocket/ws.go (Upgrader
// config, read-pump goroutine), the teacher's pkg/sip/dialog/
// integration/client/client.go (persistent-connection client shape),
// flowpbx's internal/pushgw/ratelimit.go (golang.org/x/time/rate
// wiring), and original_source/helper/ws_command.py for the command
// grammar and tag set.
package control

import (
	"fmt"
	"regexp"
	"strings"
)

// Tag identifies a Control Channel command kind, per spec §6.
type Tag string

const (
	TagCall        Tag = "CALL"
	TagRTP         Tag = "RTP"
	TagCallAns     Tag = "CALL_ANS"
	TagCallIgnore  Tag = "CALL_IGNORE"
	TagHangup      Tag = "HANGUP"
	TagBye         Tag = "BYE"
	TagRingAns     Tag = "RING_ANS"
	TagRingIgnore  Tag = "RING_IGNORE"
	TagCallFailed  Tag = "CALL_FAILED"
)

var validTags = map[Tag]bool{
	TagCall: true, TagRTP: true, TagCallAns: true, TagCallIgnore: true,
	TagHangup: true, TagBye: true, TagRingAns: true, TagRingIgnore: true,
	TagCallFailed: true,
}

// commandPattern matches "TAG" or "TAG:content" for any recognized tag.
var commandPattern = regexp.MustCompile(
	`^(CALL|RTP|CALL_ANS|CALL_IGNORE|HANGUP|BYE|RING_ANS|RING_IGNORE|CALL_FAILED)(:[\s\S]*)?$`,
)

// Command is one parsed Control Channel frame: a tag plus optional
// content, per spec §6's "TAG" / "TAG:content" wire grammar.
type Command struct {
	Tag     Tag
	Content string // "" if the frame carried no ":content" suffix
}

// ParseError reports a frame that did not match the command grammar.
type ParseError struct {
	Frame string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("control: unrecognized command frame %q", e.Frame)
}

// Parse decodes one text frame into a Command.
func Parse(frame string) (Command, error) {
	m := commandPattern.FindStringSubmatch(frame)
	if m == nil {
		return Command{}, &ParseError{Frame: frame}
	}
	tag := Tag(m[1])
	content := strings.TrimPrefix(m[2], ":")
	return Command{Tag: tag, Content: content}, nil
}

// String renders a Command back to wire form.
func (c Command) String() string {
	if c.Content == "" {
		return string(c.Tag)
	}
	return string(c.Tag) + ":" + c.Content
}

// New builds a Command, validating that the tag is recognized.
func New(tag Tag, content string) (Command, error) {
	if !validTags[tag] {
		return Command{}, fmt.Errorf("control: unknown tag %q", tag)
	}
	return Command{Tag: tag, Content: content}, nil
}
