package sip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// The whitespace characters recognised by the Augmented Backus-Naur Form syntax
// that SIP uses (RFC 3261 S.25).
const abnfWs = " \t"

// The maximum permissible CSeq number in a SIP message (2**31 - 1).
// C.f. RFC 3261 S. 8.1.1.5.
const maxCseq = 2147483647

var (
	ErrParseLineNoCRLF     = errors.New("line has no CRLF")
	ErrParseInvalidMessage = errors.New("invalid SIP message")

	// Stream parse errors
	ErrParseSipPartial         = errors.New("SIP partial data")
	ErrParseReadBodyIncomplete = errors.New("reading body incomplete")
	ErrParseMoreMessages       = errors.New("Stream has more message")

	// ErrParseMessageTooLarge is returned when a message exceeds the
	// parser's configured MaxMessageSize.
	ErrParseMessageTooLarge = errors.New("sip message exceeds max message size")
	// ErrParseTooManyHeaders is returned when a message carries more
	// header lines than the parser's configured MaxHeaderCount.
	ErrParseTooManyHeaders = errors.New("sip message exceeds max header count")

	// ErrMessageTooLarge is returned by ParserStream when a single message
	// read off the stream exceeds Parser.MaxMessageLength.
	ErrMessageTooLarge = errors.New("sip message exceeds max message length")

	// errParseNoMoreHeaders signals parseNextHeader hit the blank line that
	// terminates a message's header section.
	errParseNoMoreHeaders = errors.New("no more headers")
)

// defaultMaxMessageLength bounds a single stream message before body framing
// is known, guarding ParserStream against an unbounded or malicious peer.
const defaultMaxMessageLength = 64 * 1024

var bufReader = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation:
		return new(bytes.Buffer)
	},
}

func ParseMessage(msgData []byte) (Message, error) {
	parser := NewParser()
	return parser.ParseSIP(msgData)
}

// Parser is implementation of SIPParser
// It is optimized with faster header parsing
type Parser struct {
	log zerolog.Logger
	// HeadersParsers uses default list of headers to be parsed. Smaller list parser will be faster
	headersParsers HeadersParser

	// maxMessageSize caps the total bytes ParseSIP will accept, 0 means
	// unlimited. Guards a transport layer reading from untrusted peers.
	maxMessageSize int
	// maxHeaderCount caps the number of header lines ParseSIP will read
	// before giving up, 0 means unlimited.
	maxHeaderCount int

	// MaxMessageLength caps a single message ParserStream will accept while
	// scanning a stream incrementally. Defaults to defaultMaxMessageLength.
	MaxMessageLength int
}

// ParserOption are addition option for NewParser. Check WithParser...
type ParserOption func(p *Parser)

// Create a new Parser.
func NewParser(options ...ParserOption) *Parser {
	p := &Parser{
		log:              log.Logger,
		headersParsers:   headersParsers,
		MaxMessageLength: defaultMaxMessageLength,
		maxMessageSize:   defaultMaxMessageLength,
		maxHeaderCount:   256,
	}

	for _, o := range options {
		o(p)
	}

	return p
}

// WithParserLogger allows customizing parser logger
func WithParserLogger(logger zerolog.Logger) ParserOption {
	return func(p *Parser) {
		p.log = logger
	}
}

// WithHeadersParsers allows customizing parser headers parsers
// Consider performance when adding custom parser.
// Add only if it will appear in almost every message
//
// Check DefaultHeadersParser as starting point
func WithHeadersParsers(m map[string]HeaderParser) ParserOption {
	return func(p *Parser) {
		p.headersParsers = HeadersParser(m)
	}
}

// WithMaxMessageLength overrides the per-message size limit ParserStream
// enforces while scanning a stream incrementally.
func WithMaxMessageLength(n int) ParserOption {
	return func(p *Parser) {
		p.MaxMessageLength = n
	}
}

// WithMaxMessageSize rejects any message larger than n bytes before parsing
// starts. Use to bound memory use against oversized or malicious input.
func WithMaxMessageSize(n int) ParserOption {
	return func(p *Parser) {
		p.maxMessageSize = n
	}
}

// WithMaxHeaderCount aborts parsing once more than n header lines have been
// read. Use to bound CPU/memory use against a message with pathological
// header counts.
func WithMaxHeaderCount(n int) ParserOption {
	return func(p *Parser) {
		p.maxHeaderCount = n
	}
}

// ParseSIP converts data to sip message. Buffer must contain full sip message
func (p *Parser) ParseSIP(data []byte) (msg Message, err error) {
	if p.maxMessageSize > 0 && len(data) > p.maxMessageSize {
		return nil, ErrParseMessageTooLarge
	}

	reader := bufReader.Get().(*bytes.Buffer)
	defer bufReader.Put(reader)
	reader.Reset()
	reader.Write(data)

	startLine, err := nextLine(reader)
	if err != nil {
		return nil, err
	}

	msg, err = ParseLine(startLine)
	if err != nil {
		return nil, err
	}

	headerCount := 0
	for {
		line, err := nextLine(reader)

		if err != nil {
			if err == io.EOF {
				return nil, ErrParseInvalidMessage
			}
			return nil, err
		}

		if len(line) == 0 {
			// We've hit the end of the header section.
			break
		}

		headerCount++
		if p.maxHeaderCount > 0 && headerCount > p.maxHeaderCount {
			return nil, ErrParseTooManyHeaders
		}

		err = p.headersParsers.parseMsgHeader(msg, line)
		if err != nil {
			p.log.Info().Err(err).Str("line", line).Msg("skip header due to error")
		}
	}

	contentLength := getBodyLength(data)

	if contentLength <= 0 {
		return msg, nil
	}

	// p.log.Debugf("%s reads body with length = %d bytes", p, contentLength)
	body := make([]byte, contentLength)
	total, err := reader.Read(body)
	if err != nil {
		return nil, fmt.Errorf("read message body failed: %w", err)
	}
	// RFC 3261 - 18.3.
	if total != contentLength {
		return nil, fmt.Errorf(
			"incomplete message body: read %d bytes, expected %d bytes",
			len(body),
			contentLength,
		)
	}

	// Should we trim this?
	// if len(bytes.TrimSpace(body)) > 0 {
	if len(body) > 0 {
		msg.SetBody(body)
	}
	return msg, nil
}

// NewSIPStream implements SIP parsing contructor for stream
// should be called per single stream
func (p *Parser) NewSIPStream() *ParserStream {
	return &ParserStream{
		p: p,
	}
}

// readLineBytes scans data for a single CRLF-terminated line without
// consuming a reader, returning io.ErrUnexpectedEOF when data does not yet
// hold a complete line. n is the number of bytes the line occupies,
// including the trailing CRLF.
func readLineBytes(data []byte) (line []byte, n int, err error) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx == -1 {
		return nil, 0, io.ErrUnexpectedEOF
	}
	return data[:idx], idx + 2, nil
}

// parseStartLine reads the request or status line out of data, skipping any
// leading blank lines (CRLF keep-alive pings). It returns io.ErrUnexpectedEOF
// when data does not yet hold a complete line, so the caller can wait for
// more data to arrive on the stream.
func (p *Parser) parseStartLine(data []byte, isClient bool) (Message, int, error) {
	total := 0
	for {
		line, n, err := readLineBytes(data[total:])
		if err != nil {
			return nil, total, err
		}
		total += n

		if len(line) == 0 {
			continue
		}

		msg, err := ParseLine(string(line))
		if err != nil {
			return nil, total, err
		}
		return msg, total, nil
	}
}

// parseNextHeader reads one header line out of data and appends the
// resulting header(s) to buf. It returns errParseNoMoreHeaders on the blank
// line terminating the header section, and io.ErrUnexpectedEOF when data
// does not yet hold a complete line.
func (p *Parser) parseNextHeader(buf []Header, data []byte) ([]Header, int, error) {
	line, n, err := readLineBytes(data)
	if err != nil {
		return buf, 0, err
	}

	if len(line) == 0 {
		return buf, n, errParseNoMoreHeaders
	}

	out, err := p.headersParsers.ParseHeader(buf, line)
	if err != nil {
		p.log.Info().Err(err).Str("line", string(line)).Msg("skip header due to error")
		return buf, n, nil
	}
	return out, n, nil
}

func ParseLine(startLine string) (msg Message, err error) {
	if isRequest(startLine) {
		recipient := Uri{}
		method, sipVersion, err := ParseRequestLine(startLine, &recipient)
		if err != nil {
			return nil, err
		}

		m := NewRequest(method, recipient)
		m.SipVersion = sipVersion
		return m, nil
	}

	if isResponse(startLine) {
		sipVersion, statusCode, reason, err := ParseStatusLine(startLine)
		if err != nil {
			return nil, err
		}

		m := NewResponse(statusCode, reason)
		m.SipVersion = sipVersion
		return m, nil
	}
	return nil, fmt.Errorf("transmission beginning '%s' is not a SIP message", startLine)
}

// nextLine should read until it hits CRLF
// ErrParseLineNoCRLF -> could not find CRLF in line
//
// https://datatracker.ietf.org/doc/html/rfc3261#section-7
// empty line MUST be
// terminated by a carriage-return line-feed sequence (CRLF).  Note that
// the empty line MUST be present even if the message-body is not.
func nextLine(reader *bytes.Buffer) (line string, err error) {
	// Scan full line without buffer
	// If we need to continue then try to grow
	line, err = reader.ReadString('\n')
	if err != nil {
		// if err == io.EOF {
		// 	if len(line) > 0 {
		// 		return line, ErrParseLineNoCRLF
		// 	}

		// 	return line, nil
		// }

		// We may get io.EOF and line till it was read
		return line, err
	}

	// https://www.rfc-editor.org/rfc/rfc3261.html#section-7
	// The start-line, each message-header line, and the empty line MUST be
	// terminated by a carriage-return line-feed sequence (CRLF).  Note that
	// the empty line MUST be present even if the message-body is not.
	lenline := len(line)
	if lenline < 2 {
		return line, ErrParseLineNoCRLF
	}

	if line[lenline-2] != '\r' {
		return line, ErrParseLineNoCRLF
	}

	line = line[:lenline-2]
	return line, nil
}

// Calculate the size of a SIP message's body, given the entire contents of the message as a byte array.
func getBodyLength(data []byte) int {
	// Body starts with first character following a double-CRLF.
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx == -1 {
		return -1
	}

	bodyStart := idx + 4

	return len(data) - bodyStart
}

// Heuristic to determine if the given transmission looks like a SIP request.
// It is guaranteed that any RFC3261-compliant request will pass this test,
// but invalid messages may not necessarily be rejected.
func isRequest(startLine string) bool {
	// SIP request lines contain precisely two spaces.
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}

	// part0 := startLine[:ind]
	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}

	part2 := startLine[ind+1+ind1+1:]
	ind2 := strings.IndexRune(part2, ' ')
	if ind2 >= 0 {
		return false
	}

	if len(part2) < 3 {
		return false
	}

	return UriIsSIP(part2[:3])
}

// Heuristic to determine if the given transmission looks like a SIP response.
// It is guaranteed that any RFC3261-compliant response will pass this test,
// but invalid messages may not necessarily be rejected.
func isResponse(startLine string) bool {
	// SIP status lines contain at least two spaces.
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}

	// part0 := startLine[:ind]
	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}

	return UriIsSIP(startLine[:3])
}

// Parse the first line of a SIP request, e.g:
//
//	INVITE bob@example.com SIP/2.0
//	REGISTER jane@telco.com SIP/1.0
func ParseRequestLine(requestLine string, recipient *Uri) (
	method RequestMethod, sipVersion string, err error) {
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 {
		err = fmt.Errorf("request line should have 2 spaces: '%s'", requestLine)
		return
	}

	method = RequestMethod(strings.ToUpper(parts[0]))
	err = ParseUri(parts[1], recipient)
	sipVersion = parts[2]

	if recipient.Wildcard {
		err = fmt.Errorf("wildcard URI '*' not permitted in request line: '%s'", requestLine)
		return
	}

	return
}

// Parse the first line of a SIP response, e.g:
//
//	SIP/2.0 200 OK
//	SIP/1.0 403 Forbidden
func ParseStatusLine(statusLine string) (
	sipVersion string, statusCode StatusCode, reasonPhrase string, err error) {
	parts := strings.Split(statusLine, " ")
	if len(parts) < 3 {
		err = fmt.Errorf("status line has too few spaces: '%s'", statusLine)
		return
	}

	sipVersion = parts[0]
	statusCodeRaw, err := strconv.ParseUint(parts[1], 10, 16)
	statusCode = StatusCode(statusCodeRaw)
	reasonPhrase = strings.Join(parts[2:], " ")

	return
}
