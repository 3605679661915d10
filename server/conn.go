package server

import (
	"bytes"
	"net"

	"github.com/pithecene-io/statupdate/buffer"
	"github.com/pithecene-io/statupdate/httpparse"
	"github.com/pithecene-io/statupdate/log"
	"github.com/pithecene-io/statupdate/telemetry"
)

// Per-connection storage sizes. One byte of each is the terminator.
const (
	nameSize   = 256
	agentSize  = 256
	outputSize = 1024
)

const noHeader = -1

var (
	gemsPrefix   = []byte("/gems")
	gemSuffix    = []byte(".gem")
	agentField   = []byte("User-Agent")
	agentMarker  = []byte("RubyGems/")
	rubyMarker   = []byte("Ruby, RubyGems/")
	minPathLen   = 10
	minAgentLen  = 8
	rubyMarkSkip = len("Ruby, ")
)

// conn is the state of one accepted connection. Apart from the reader
// goroutine, which only touches nc, it is owned by the loop.
type conn struct {
	id     string
	nc     net.Conn
	srv    *Server
	logger *log.Logger
	parser *httpparse.Parser

	nameStore  [nameSize]byte
	agentStore [agentSize]byte
	outStore   [outputSize]byte

	name       buffer.Bounded
	agent      buffer.Bounded
	out        buffer.Bounded
	agentIndex int

	// responded is set once a response has been scheduled; the connection
	// closes after it is written and nothing further is read.
	responded bool
	closed    bool
}

func newConn(id string, nc net.Conn, srv *Server) *conn {
	c := &conn{
		id:         id,
		nc:         nc,
		srv:        srv,
		logger:     srv.logger.With(map[string]any{"conn_id": id}),
		agentIndex: noHeader,
	}
	c.name = buffer.New(c.nameStore[:])
	c.agent = buffer.New(c.agentStore[:])
	c.out = buffer.New(c.outStore[:])
	c.parser = httpparse.New(c, srv.config.MaxLineSize)
	return c
}

// feed runs on the loop with bytes read from the socket.
func (c *conn) feed(data []byte) {
	if c.closed || c.responded {
		return
	}
	if err := c.parser.Feed(data); err != nil {
		if c.responded {
			return
		}
		c.srv.metrics.IncParseErrors()
		c.logger.Debug("request parse error", map[string]any{"error": err.Error()})
		c.respondBadRequest()
	}
}

func (c *conn) OnPath(path []byte) {
	if c.responded {
		return
	}
	if len(path) <= minPathLen ||
		!bytes.HasPrefix(path, gemsPrefix) ||
		!bytes.HasSuffix(path, gemSuffix) {
		return
	}
	// Overflow leaves the name empty and the request is answered with 404.
	c.name.Append(path[len(gemsPrefix)+1 : len(path)-len(gemSuffix)])
}

// OnHeaderField matches over the field's own length, so a field that is a
// leading part of User-Agent also selects the agent header.
func (c *conn) OnHeaderField(field []byte, index int) {
	if len(field) <= len(agentField) && bytes.Equal(field, agentField[:len(field)]) {
		c.agentIndex = index
	}
}

func (c *conn) OnHeaderValue(value []byte, index int) {
	if index != c.agentIndex || len(value) <= minAgentLen {
		return
	}
	switch {
	case bytes.HasPrefix(value, agentMarker):
		c.agent.Append(value)
	case bytes.HasPrefix(value, rubyMarker):
		c.agent.Append(value[rubyMarkSkip:])
	}
}

// OnComplete answers the request and starts its telemetry.
func (c *conn) OnComplete() {
	if c.responded {
		return
	}
	c.srv.metrics.IncRequests()

	if c.name.Len() == 0 {
		c.respondBadRequest()
		return
	}
	if !appendRedirect(&c.out, c.srv.config.Prefix, &c.name) {
		c.srv.metrics.IncOutputOverflows()
		c.respondBadRequest()
		return
	}

	c.srv.metrics.IncRedirects()
	c.respond(bytes.Clone(c.out.Bytes()))

	if !c.srv.backend.Connected() {
		c.srv.metrics.IncTelemetryDropped()
		return
	}
	snap := telemetry.NewSnapshot(c.name.Bytes(), c.srv.config.Now())
	c.srv.pipeline.Dispatch(snap, c.agent.Bytes())
}

func (c *conn) respondBadRequest() {
	c.srv.metrics.IncBadRequests()
	c.respond(badRequest)
}

// respond writes p on a helper goroutine and closes the connection once the
// write has finished.
func (c *conn) respond(p []byte) {
	c.responded = true
	started := c.srv.goHelper(func() {
		_, err := c.nc.Write(p)
		c.srv.loop.Post(func() { c.afterWrite(err) })
	})
	if !started {
		c.close()
	}
}

func (c *conn) afterWrite(err error) {
	if c.closed {
		return
	}
	if err != nil {
		c.logger.Debug("response write failed", map[string]any{"error": err.Error()})
	}
	c.close()
}

func (c *conn) close() {
	if c.closed {
		return
	}
	c.closed = true
	_ = c.nc.Close()
	c.srv.untrack(c)
	c.logger.Debug("connection closed", nil)
}
