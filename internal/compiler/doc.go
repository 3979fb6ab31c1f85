// Package compiler runs the external .igtex compiler as a child process.
//
// One process is spawned per invocation with the absolute document path as
// its final argument. Standard output and standard error are captured into a
// single buffer (capped, default 1 MiB) and returned verbatim so compiler
// diagnostics can be shown to the end user.
//
// Timeout handling:
//   - Each run has a configured timeout (compiler.timeout, default 120s)
//   - On expiry SIGTERM is sent to the compiler's process group
//   - After the grace period (compiler.grace_period, default 5s) SIGKILL follows
//   - Cancelling the caller's context terminates the run the same way
//
// Outcomes:
//   - Exit 0 and output.html written beside the document → Success
//   - Exit 0 without output.html → invocation error
//   - Non-zero exit → Success=false with captured output, no error
//   - Spawn failure, timeout, cancellation → invocation error
//
// There is no retry: a run happens at most once per call.
package compiler
