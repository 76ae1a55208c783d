package core

import (
	"sync"

	"flashboot/diag"
	"flashboot/fault"
	"flashboot/protocol"
)

// CommandHandler decodes its arguments from args and writes its success
// body, if any, to body.
type CommandHandler func(args *[]byte, body protocol.OutputBuffer) error

// Command is a registered command
type Command struct {
	ID      uint16
	Name    string
	Handler CommandHandler
}

// CommandRegistry maps command IDs to handlers
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[uint16]*Command
	nameToID map[string]uint16
}

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[uint16]*Command),
		nameToID: make(map[string]uint16),
	}
}

// Register adds a command under a fixed ID. Registering an ID twice
// replaces the earlier handler.
func (r *CommandRegistry) Register(id uint16, name string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.commands[id]; exists {
		delete(r.nameToID, old.Name)
	}
	r.commands[id] = &Command{ID: id, Name: name, Handler: handler}
	r.nameToID[name] = id
}

// GetCommand retrieves a command by ID
func (r *CommandRegistry) GetCommand(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// Lookup returns the ID registered for name.
func (r *CommandRegistry) Lookup(name string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	return id, ok
}

// Count returns the number of registered commands
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch calls the handler registered for cmdID
func (r *CommandRegistry) Dispatch(cmdID uint16, args *[]byte, body protocol.OutputBuffer) error {
	cmd, ok := r.GetCommand(cmdID)
	if !ok || cmd.Handler == nil {
		return fault.New(fault.ProtocolError, "dispatch", "unknown command ID "+diag.Itoa(int(cmdID)))
	}
	return cmd.Handler(args, body)
}
