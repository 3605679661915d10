// Package httpparse is an incremental HTTP/1.x request-head parser.
//
// Bytes are fed as they arrive from the socket, in chunks of any size. The
// parser emits events to a Handler as soon as a complete line is available:
// the request path, each header field and value (with a zero-based header
// index), and completion when the blank line ending the head is seen.
//
// Request bodies are not parsed. After completion the parser expects the
// next request line on the same stream.
package httpparse

import (
	"bytes"
	"errors"
	"fmt"
)

// DefaultMaxLineSize bounds a single request or header line.
const DefaultMaxLineSize = 8 * 1024

var (
	// ErrLineTooLong is returned when a line exceeds the configured maximum.
	ErrLineTooLong = errors.New("httpparse: line too long")
	// ErrMalformedRequestLine is returned for a request line without a target.
	ErrMalformedRequestLine = errors.New("httpparse: malformed request line")
	// ErrMalformedHeader is returned for a header line without a field name.
	ErrMalformedHeader = errors.New("httpparse: malformed header line")
)

// Handler receives parse events. Slices passed to a Handler alias parser
// memory and are only valid for the duration of the call.
type Handler interface {
	OnPath(path []byte)
	OnHeaderField(field []byte, index int)
	OnHeaderValue(value []byte, index int)
	OnComplete()
}

type state int

const (
	stateRequestLine state = iota
	stateHeaders
)

// Parser is a push parser. It is not safe for concurrent use.
type Parser struct {
	handler     Handler
	maxLine     int
	pending     []byte
	state       state
	headerIndex int
	err         error
}

// New creates a parser that reports to h. maxLine <= 0 selects
// DefaultMaxLineSize.
func New(h Handler, maxLine int) *Parser {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &Parser{handler: h, maxLine: maxLine}
}

// Feed consumes the next chunk of the stream. Once Feed returns an error the
// parser is dead and every later call returns the same error.
func (p *Parser) Feed(data []byte) error {
	if p.err != nil {
		return p.err
	}

	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			if len(p.pending)+len(data) > p.maxLine {
				return p.fail(ErrLineTooLong)
			}
			p.pending = append(p.pending, data...)
			return nil
		}

		line := data[:nl]
		data = data[nl+1:]

		if len(p.pending) > 0 {
			p.pending = append(p.pending, line...)
			line = p.pending
		}
		if len(line) > p.maxLine {
			return p.fail(ErrLineTooLong)
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if err := p.processLine(line); err != nil {
			return p.fail(err)
		}
		p.pending = p.pending[:0]
	}
	return nil
}

func (p *Parser) fail(err error) error {
	p.err = err
	p.pending = nil
	return err
}

func (p *Parser) processLine(line []byte) error {
	switch p.state {
	case stateRequestLine:
		// Tolerate stray CRLFs between requests.
		if len(line) == 0 {
			return nil
		}
		path, err := requestPath(line)
		if err != nil {
			return err
		}
		p.handler.OnPath(path)
		p.state = stateHeaders
		p.headerIndex = 0
		return nil

	case stateHeaders:
		if len(line) == 0 {
			p.state = stateRequestLine
			p.handler.OnComplete()
			return nil
		}
		// obs-fold continuation lines are dropped
		if line[0] == ' ' || line[0] == '\t' {
			return nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		field := bytes.TrimRight(line[:colon], " \t")
		value := bytes.Trim(line[colon+1:], " \t")

		idx := p.headerIndex
		p.headerIndex++
		p.handler.OnHeaderField(field, idx)
		p.handler.OnHeaderValue(value, idx)
		return nil
	}
	return nil
}

// requestPath extracts the path component of "METHOD SP target [SP proto]",
// dropping any query string or fragment. An absolute-form target loses its
// scheme and authority; one without a path yields an empty path.
var schemeSep = []byte("://")

func requestPath(line []byte) ([]byte, error) {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return nil, ErrMalformedRequestLine
	}
	target := line[sp1+1:]
	if sp2 := bytes.IndexByte(target, ' '); sp2 >= 0 {
		target = target[:sp2]
	}
	if len(target) == 0 {
		return nil, ErrMalformedRequestLine
	}
	if i := bytes.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if target[0] != '/' {
		if i := bytes.Index(target, schemeSep); i > 0 {
			authority := target[i+len(schemeSep):]
			if slash := bytes.IndexByte(authority, '/'); slash >= 0 {
				return authority[slash:], nil
			}
			return authority[:0], nil
		}
	}
	return target, nil
}
