package diag

// Logger is the logging interface accepted by the staging manager, the boot
// orchestrator and the dispatcher. Hosted builds can plug in any structured
// logger; the firmware uses WriterLogger.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, keysAndValues ...interface{})

	// Info logs an info message with optional key-value pairs
	Info(msg string, keysAndValues ...interface{})

	// Error logs an error message with optional key-value pairs
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

// WriterLogger formats log lines as "[LEVEL] msg k=v ..." and sends them
// through the global debug writer.
type WriterLogger struct {
	// Prefix is prepended to every message, e.g. "staging"
	Prefix string
}

func (l WriterLogger) Debug(msg string, kv ...interface{}) {
	Println(l.format("DEBUG", msg, kv))
}

func (l WriterLogger) Info(msg string, kv ...interface{}) {
	Println(l.format("INFO", msg, kv))
}

// Error output is queued asynchronously so a fault report never adds to the
// time the control loop is already blocked.
func (l WriterLogger) Error(msg string, kv ...interface{}) {
	Async(l.format("ERROR", msg, kv))
}

func (l WriterLogger) format(level, msg string, kv []interface{}) string {
	line := "[" + level + "] "
	if l.Prefix != "" {
		line += l.Prefix + ": "
	}
	line += msg
	for i := 0; i+1 < len(kv); i += 2 {
		line += " " + valueToString(kv[i]) + "=" + valueToString(kv[i+1])
	}
	if len(kv)%2 == 1 {
		line += " " + valueToString(kv[len(kv)-1])
	}
	return line
}
