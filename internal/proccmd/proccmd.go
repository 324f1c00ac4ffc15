// Package proccmd implements the line-oriented text protocol exchanged
// with plug-in child processes: '$' <mnemonic> ('|' <arg>)* '\n', with '|'
// inside an argument escaped to '#' (spec.md §3 ProcessCommand).
package proccmd

import "strings"

const (
	prefix      = "$"
	separator   = "|"
	escapedSep  = "#"
	commandTail = "\n"
)

// Mnemonic identifies a ProcessCommand line.
type Mnemonic string

const (
	// WorkerIn: host->mgr-child ([worker_id, thread_count]) or
	// host->wkr-child (no args). "worker-in-grid".
	WorkerIn Mnemonic = "wig"
	// WorkerOut: host->mgr-child ([worker_id]) or host->wkr-child (no args).
	// "worker-out-grid".
	WorkerOut Mnemonic = "wog"
	// WorkerData carries opaque work arguments, both directions.
	WorkerData Mnemonic = "wd"
	// WorkerExit carries exit bookkeeping, both directions.
	WorkerExit Mnemonic = "wex"
	// Log carries [log_source, log_type, message], child->host.
	Log Mnemonic = "log"
	// StatusMessage carries a single human-readable status line, child->host.
	StatusMessage Mnemonic = "stm"
	// TerminalCommand forwards an operator-typed command, host->mgr-child only.
	TerminalCommand Mnemonic = "tc"
)

// known lists every recognized mnemonic, used by Parse to validate.
var known = map[Mnemonic]bool{
	WorkerIn:        true,
	WorkerOut:       true,
	WorkerData:      true,
	WorkerExit:      true,
	Log:             true,
	StatusMessage:   true,
	TerminalCommand: true,
}

// Command is one parsed ProcessCommand line.
type Command struct {
	Mnemonic Mnemonic
	Args     []string
}

// escape replaces '|' with '#' in a single argument, as the wire format
// requires. This is one-way: a decoder cannot distinguish an escaped '#'
// from a literal one (spec.md S3 documents this as a known limitation).
func escape(arg string) string {
	return strings.ReplaceAll(arg, separator, escapedSep)
}

// Encode renders a ProcessCommand line, including the trailing newline.
func Encode(m Mnemonic, args ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(string(m))
	for _, a := range args {
		b.WriteString(separator)
		b.WriteString(escape(a))
	}
	b.WriteString(commandTail)
	return b.String()
}

// Parse decodes a single line (with or without its trailing newline) into
// a Command. ok is false for anything not starting with the command prefix
// or carrying an unrecognized mnemonic — callers should log at WARNING and
// drop, per spec.md §7.
func Parse(line string) (cmd Command, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, prefix) {
		return Command{}, false
	}
	body := strings.TrimPrefix(line, prefix)
	parts := strings.Split(body, separator)
	if len(parts) == 0 || parts[0] == "" {
		return Command{}, false
	}

	m := Mnemonic(parts[0])
	if !known[m] {
		return Command{}, false
	}

	args := parts[1:]
	return Command{Mnemonic: m, Args: args}, true
}
