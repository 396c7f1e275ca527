/*
Package process spawns and supervises the child processes that relay sessions bridge to.

A child's stdin and stdout are connected to non-blocking pipes (see package pipe). The parent keeps only the far ends: the
write end of the child's stdin and the read end of the child's stdout. The child-side descriptors are closed in the
parent as soon as the child has started (or failed to start), so a child exiting is always observable as EOF on its
stdout.

Processes are scoped to their Handle: Terminate closes both pipe ends and signals the child, escalating from SIGTERM to
SIGKILL after a grace period. The child is reaped in the background, so Terminate never blocks.
*/
package process
