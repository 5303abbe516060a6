package shell

import "strings"

// Adapter captures the only interpreter-specific knowledge the multiplexer
// needs: how to launch the interpreter reading commands from stdin, and
// how to print a literal string to stdout. Everything else — markers,
// framing, demultiplexing — is interpreter-agnostic.
type Adapter interface {
	// DefaultPath is the executable to launch when the config does not
	// name one.
	DefaultPath() string

	// Args are the arguments that put the interpreter into
	// read-commands-from-stdin mode.
	Args() []string

	// PrintLiteral returns a command line that writes exactly s followed
	// by a newline to stdout, without interpreting s.
	PrintLiteral(s string) string

	// WarmupCommand is a no-op command used to prime the pipeline after
	// start; empty disables the warm-up.
	WarmupCommand() string

	// ExitCommand asks the interpreter to exit cleanly.
	ExitCommand() string

	// RestoreCommand builds the command that replays a session snapshot
	// through the restore script.
	RestoreCommand(scriptPath, snapshotPath string) string
}

// PowerShell adapts pwsh. Literals are printed with
// [Console]::Out.WriteLine so they bypass the formatting pipeline and
// arrive unmodified.
type PowerShell struct{}

func (PowerShell) DefaultPath() string { return "pwsh" }

func (PowerShell) Args() []string {
	return []string{"-NoProfile", "-NonInteractive", "-NoLogo", "-NoExit", "-Command", "-"}
}

func (PowerShell) PrintLiteral(s string) string {
	return "[Console]::Out.WriteLine(" + psQuote(s) + ")"
}

func (PowerShell) WarmupCommand() string { return "$null | Out-Null" }

func (PowerShell) ExitCommand() string { return "exit" }

func (PowerShell) RestoreCommand(scriptPath, snapshotPath string) string {
	return ". " + psQuote(scriptPath) + " -Path " + psQuote(snapshotPath)
}

// psQuote single-quotes s for PowerShell; embedded single quotes are
// doubled.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// POSIXShell adapts sh(1). It exists both as a lightweight interpreter in
// its own right and as the hermetic target for the integration tests.
type POSIXShell struct{}

func (POSIXShell) DefaultPath() string { return "sh" }

func (POSIXShell) Args() []string { return nil }

func (POSIXShell) PrintLiteral(s string) string {
	return "printf '%s\\n' " + shQuote(s)
}

func (POSIXShell) WarmupCommand() string { return ":" }

func (POSIXShell) ExitCommand() string { return "exit" }

func (POSIXShell) RestoreCommand(scriptPath, snapshotPath string) string {
	return ". " + shQuote(scriptPath) + " " + shQuote(snapshotPath)
}

// shQuote single-quotes s for sh; embedded single quotes become '\''.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildPacket frames a command body for the interpreter's stdin: a line
// printing the begin marker, the body (newline-terminated), and a line
// printing the end marker. The interpreter executes the three pieces in
// order, so the markers bracket exactly the body's output.
func buildPacket(a Adapter, beginMarker, endMarker, body string) []byte {
	var b strings.Builder
	b.Grow(len(body) + len(beginMarker) + len(endMarker) + 96)
	b.WriteString(a.PrintLiteral(beginMarker))
	b.WriteByte('\n')
	b.WriteString(body)
	if body == "" || body[len(body)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString(a.PrintLiteral(endMarker))
	b.WriteByte('\n')
	return []byte(b.String())
}
