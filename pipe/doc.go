/*
Package pipe provides non-blocking anonymous pipes for relaying bytes to and from a child process.

Each End wraps a raw descriptor and never parks the calling goroutine: reads and writes go straight to the kernel and
report ErrWouldBlock instead of waiting. This lets a single event loop service many pipes without one slow peer stalling
the others. The runtime poller is deliberately not involved, so callers must poll (typically on a timer).

An End handed to a child process is converted back to a blocking *os.File with Detach, since most programs do not expect
non-blocking stdio.
*/
package pipe
