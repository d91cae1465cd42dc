// Package stdio binds one protocol session to the process's standard input
// and output. Frames are newline-delimited JSON-RPC messages; one process is
// one session, and end-of-stream on the reader closes the session and ends
// Serve cleanly.
//
// Options allow supplying an alternate io.Reader / io.Writer or a custom
// logger, which is how the tests drive the handler over io.Pipe.
package stdio
