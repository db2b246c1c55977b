// Package sipmsg implements the hand-rolled SIP message model and wire
// codec spec §4.4 calls for: a Request/Response pair sharing a header
// multimap, CSeq parsed into its numeric/method pair, and a datagram
// parser/serializer. Grounded on the teacher's pkg/sip/core/types
// (baseMessage/Request/Response) and pkg/sip/core/parser.
package sipmsg

import (
	"strconv"
	"strings"
)

// Supported methods, per spec §4.4.
const (
	MethodINVITE = "INVITE"
	MethodACK    = "ACK"
	MethodBYE    = "BYE"
	MethodCANCEL = "CANCEL"
)

// Message is the common shape of a SIP Request or Response: a header
// multimap (case-insensitive keys) plus an optional body. Content-Length
// is kept in sync with the body whenever SetBody is called.
type Message struct {
	// Request fields; zero-valued on a Response.
	Method     string
	RequestURI string

	// Response fields; zero-valued on a Request.
	StatusCode   int
	ReasonPhrase string

	SIPVersion  string
	headers     map[string][]string
	headerOrder []string // first-seen order, for deterministic serialization
	body        []byte
}

// IsRequest reports whether this message is a request (as opposed to a
// status-line response).
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

func newMessage() *Message {
	return &Message{
		SIPVersion: "SIP/2.0",
		headers:    make(map[string][]string),
	}
}

// NewRequest builds an empty request with the given method and URI.
func NewRequest(method, requestURI string) *Message {
	m := newMessage()
	m.Method = method
	m.RequestURI = requestURI
	return m
}

// NewResponse builds an empty response with the given status line.
func NewResponse(statusCode int, reasonPhrase string) *Message {
	m := newMessage()
	m.StatusCode = statusCode
	m.ReasonPhrase = reasonPhrase
	return m
}

// Header returns the first value of a header, or "" if absent.
func (m *Message) Header(name string) string {
	values := m.headers[normalizeHeaderName(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Headers returns all values of a header, in insertion order.
func (m *Message) Headers(name string) []string {
	return m.headers[normalizeHeaderName(name)]
}

// SetHeader replaces all values of a header with a single value.
func (m *Message) SetHeader(name, value string) {
	name = normalizeHeaderName(name)
	if _, exists := m.headers[name]; !exists {
		m.headerOrder = append(m.headerOrder, name)
	}
	m.headers[name] = []string{value}
}

// AddHeader appends a value to a header, preserving any existing ones.
func (m *Message) AddHeader(name, value string) {
	name = normalizeHeaderName(name)
	if _, exists := m.headers[name]; !exists {
		m.headerOrder = append(m.headerOrder, name)
	}
	m.headers[name] = append(m.headers[name], value)
}

// Body returns the message body, or nil if none was set.
func (m *Message) Body() []byte {
	return m.body
}

// SetBody sets the message body and updates Content-Length to match,
// per spec §4.4 ("header multimap... with automatic Content-Length
// maintenance").
func (m *Message) SetBody(body []byte) {
	m.body = body
	m.SetHeader("Content-Length", strconv.Itoa(len(body)))
}

// ContentLength returns the Content-Length header's parsed value,
// falling back to the actual body length if the header is absent or
// unparseable.
func (m *Message) ContentLength() int {
	if v := m.Header("Content-Length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return len(m.body)
}

// CSeq is the numeric sequence number plus method of the CSeq header,
// per spec §9's resolved Open Question: sequence comparison is
// numeric, never a substring match.
type CSeq struct {
	Number uint32
	Method string
}

// ParseCSeq parses a "CSeq" header value ("<number> <method>").
func ParseCSeq(value string) (CSeq, bool) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return CSeq{}, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return CSeq{}, false
	}
	return CSeq{Number: uint32(n), Method: fields[1]}, true
}

func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.Number), 10) + " " + c.Method
}

// CSeq returns the message's parsed CSeq header.
func (m *Message) CSeq() (CSeq, bool) {
	return ParseCSeq(m.Header("CSeq"))
}

var headerCanonical = map[string]string{
	"call-id": "Call-ID",
	"cseq":    "CSeq",
	"www-authenticate": "WWW-Authenticate",
}

// normalizeHeaderName canonicalizes a header name for case-insensitive
// storage/lookup ("content-length" -> "Content-Length"), with a few
// SIP-specific exceptions that Title-casing each hyphenated part would
// get wrong ("Call-Id" instead of "Call-ID").
func normalizeHeaderName(name string) string {
	lower := strings.ToLower(name)
	if canonical, ok := headerCanonical[lower]; ok {
		return canonical
	}
	parts := strings.Split(name, "-")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}
	return strings.Join(parts, "-")
}
