// Package streamparse separates plain text from one fenced structured-data
// block inside a live completion token stream. The scanner is single-pass:
// every input byte is examined once, and already-emitted text is never
// re-scanned.
package streamparse

import (
	"encoding/json"
	"strings"
)

// state of the scanner.
type state int

const (
	stateNormal state = iota
	stateBuffering
	stateInsideBlock
)

// DefaultStartTag and DefaultEndTag delimit the structured table block the
// synthesizer may emit mid-stream.
const (
	DefaultStartTag = ":::table"
	DefaultEndTag   = ":::"
)

// Parser is a per-stream scanner. It is not safe for concurrent use and must
// be Reset (or replaced) before being fed an unrelated stream.
type Parser struct {
	startTag string
	endTag   string

	onToken func(text string)
	onBlock func(payload json.RawMessage)

	st       state
	normal   strings.Builder // pending plain text not yet surfaced
	tagBuf   strings.Builder // candidate start-tag bytes, not yet emitted
	blockBuf strings.Builder // block body including (eventually) the end tag
}

// New returns a parser that calls onToken for plain text runs and onBlock for
// the parsed body of a recognized block.
func New(startTag, endTag string, onToken func(string), onBlock func(json.RawMessage)) *Parser {
	if startTag == "" {
		startTag = DefaultStartTag
	}
	if endTag == "" {
		endTag = DefaultEndTag
	}
	return &Parser{
		startTag: startTag,
		endTag:   endTag,
		onToken:  onToken,
		onBlock:  onBlock,
	}
}

// Feed consumes one chunk of the stream. Chunk boundaries carry no meaning;
// feeding byte-by-byte and feeding the whole stream at once produce the same
// token/block content.
func (p *Parser) Feed(chunk string) {
	for i := 0; i < len(chunk); i++ {
		p.step(chunk[i])
	}
	// Surface accumulated plain text per chunk so downstream sees tokens as
	// they are generated rather than at stream end.
	p.flushNormal()
}

func (p *Parser) step(c byte) {
	switch p.st {
	case stateNormal:
		if c == p.startTag[0] {
			p.flushNormal()
			p.st = stateBuffering
			p.tagBuf.WriteByte(c)
			return
		}
		p.normal.WriteByte(c)

	case stateBuffering:
		p.tagBuf.WriteByte(c)
		buf := p.tagBuf.String()
		if buf == p.startTag {
			p.tagBuf.Reset()
			p.st = stateInsideBlock
			return
		}
		if strings.HasPrefix(p.startTag, buf) {
			return
		}
		// Mismatch: everything buffered before this byte is plain text; the
		// byte itself may start a fresh candidate tag.
		p.normal.WriteString(buf[:len(buf)-1])
		p.tagBuf.Reset()
		p.st = stateNormal
		p.step(c)

	case stateInsideBlock:
		p.blockBuf.WriteByte(c)
		body := p.blockBuf.String()
		if !strings.HasSuffix(body, p.endTag) {
			return
		}
		p.blockBuf.Reset()
		p.st = stateNormal
		raw := strings.TrimSpace(body[:len(body)-len(p.endTag)])
		if json.Valid([]byte(raw)) {
			p.onBlock(json.RawMessage(raw))
			return
		}
		// Malformed block: surface the swallowed bytes verbatim so nothing
		// is silently dropped.
		p.onToken(p.startTag + body)
	}
}

// Flush terminates the stream. Any pending plain text is emitted, and an
// unterminated candidate tag or block is downgraded to plain text.
func (p *Parser) Flush() {
	switch p.st {
	case stateBuffering:
		p.normal.WriteString(p.tagBuf.String())
		p.tagBuf.Reset()
	case stateInsideBlock:
		p.normal.WriteString(p.startTag)
		p.normal.WriteString(p.blockBuf.String())
		p.blockBuf.Reset()
	}
	p.st = stateNormal
	p.flushNormal()
}

// Reset clears all state so the parser can consume a new stream.
func (p *Parser) Reset() {
	p.st = stateNormal
	p.normal.Reset()
	p.tagBuf.Reset()
	p.blockBuf.Reset()
}

func (p *Parser) flushNormal() {
	if p.normal.Len() == 0 {
		return
	}
	text := p.normal.String()
	p.normal.Reset()
	p.onToken(text)
}
