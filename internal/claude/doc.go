// Package claude drives the Claude Code CLI as a child process and turns its
// output into a stream of events.
//
// # Components
//
// Tokenize splits a free-form command line into arguments. There is no shell
// involved: quoting is the only syntax it understands.
//
// StreamParser classifies stdout line by line. The tool's stream-json lines
// with a "type" of "content" or "error" become typed events; every other line
// is forwarded verbatim as raw text so nothing the tool prints is lost.
//
// AuthResolver answers whether the tool is installed and logged in. It reads
// the OAuth token file and the credentials file under ~/.claude, and falls
// back to a live probe only when no token is present.
//
// Supervisor spawns the tool and tracks the single live process, and
// Executor ties the pieces together: one command at a time, streamed or
// collected, with the OAuth token injected into the child's environment.
//
// # Token Handling
//
// The token value is only ever placed in the environment of the spawned
// child. It is not logged, not written to disk and not set on the bridge's
// own environment.
//
// # Concurrency
//
// An Executor runs one command at a time. A second command issued while the
// first is still streaming fails with ErrBusy; the running process is never
// replaced implicitly. KillActiveProcess may be called from any goroutine.
package claude
