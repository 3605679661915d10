package server

import "github.com/pithecene-io/statupdate/buffer"

const serverHeader = "Server: rubygems stat-update/1.0\r\n"

const (
	redirectHead = "HTTP/1.0 302 Moved Temporarily\r\n" + serverHeader +
		"Content-Length: 0\r\nLocation: "
	redirectTail = ".gem\r\n\r\n"
)

// badRequest is the only error response. It is never assembled into the
// output buffer so it cannot overflow.
var badRequest = []byte("HTTP/1.0 404 Not Found\r\n" + serverHeader +
	"Content-Length: 13\r\n\r\nBad request\r\n")

// appendRedirect assembles the redirect for name into out. It reports false
// as soon as one append does not fit; out may then hold a partial response.
func appendRedirect(out *buffer.Bounded, prefix string, name *buffer.Bounded) bool {
	return out.AppendString(redirectHead) &&
		out.AppendString(prefix) &&
		out.AppendBuffer(name) &&
		out.AppendString(redirectTail)
}
