/*
Package relay bridges a message-oriented transport to a byte-stream child process.

A Session owns one transport connection and one child. Inbound messages are written to the child's stdin in order;
the child's stdout is read in fixed-size chunks, each sent as one outbound message. Neither direction ever blocks: the
child is reached through non-blocking pipes, and the transport's send queue is bounded.

Sessions move through Created, Established, Draining and Closed:

	Created --Establish--> Established --Drain--> Draining --> Established
	   any --Close--> Closed (terminal)

A Driver runs every session on a single event loop. It delivers inbound messages and transport closes, and on each
tick of its timer drains every live session. Session methods are not safe for concurrent use; the Driver serializes
them.

There are two back-pressure points:

  - Inbound: bytes the child has not accepted yet wait in a queue bounded by Config.InboundQueueBytes.
    A message that doesn't fit is rejected whole with ErrBackpressure (reject newest) and the session stays open.
  - Outbound: a chunk the transport refuses with ErrBackpressure is held and retried first on the next tick.
    Nothing else is read from the child meanwhile, so the child is throttled by the kernel pipe buffer.

Draining is bounded by Config.MaxDrainChunks per tick so that one chatty child can't starve the other sessions.
*/
package relay
