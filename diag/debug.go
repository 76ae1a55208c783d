// Package diag provides the bootloader's diagnostic output.
//
// Output goes through a pluggable Writer so the firmware can route it to a
// UART or the USB serial port, and hosted builds can route it to a real logger.
// Nothing here depends on fmt.
package diag

// Writer is a function that emits one line of debug output.
type Writer func(string)

var (
	// writer is the global debug sink (set by platform code)
	writer Writer = func(s string) {} // No-op by default

	// enabled controls whether debug output is active
	enabled bool = false

	// Async debug output channel
	debugChan chan string
)

// SetWriter sets the platform-specific debug output function.
func SetWriter(w Writer) {
	writer = w
}

// SetEnabled enables or disables debug output.
func SetEnabled(on bool) {
	enabled = on
}

// InitAsync starts the async debug output goroutine.
// Call this from main() after SetWriter.
func InitAsync() {
	debugChan = make(chan string, 16)
	go outputWorker()
}

func outputWorker() {
	for msg := range debugChan {
		if writer != nil {
			writer(msg)
		}
	}
}

// Println writes a debug message using the platform-specific writer.
// Flash operations block the control loop, so long dumps should use Async.
func Println(msg string) {
	if enabled && writer != nil {
		writer(msg)
	}
}

// Async queues a debug message for output and drops it if the channel is full.
func Async(msg string) {
	if !enabled {
		return
	}
	if debugChan == nil {
		Println(msg)
		return
	}
	select {
	case debugChan <- msg:
	default:
	}
}
