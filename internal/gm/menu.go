package gm

import (
	"sync"

	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/google/uuid"
)

// MenuCommand is a registered command as shown to the shell.
type MenuCommand struct {
	ID         string `json:"id"`
	ScriptID   string `json:"script_id"`
	ScriptName string `json:"script_name"`
	Label      string `json:"label"`
}

type menuEntry struct {
	MenuCommand
	fn func()
}

// Menu is the command list of one page context, shared by all scripts on it.
type Menu struct {
	mu      sync.Mutex
	entries []menuEntry
}

func NewMenu() *Menu { return &Menu{} }

func (m *Menu) add(sc *script.Script, label string, fn func()) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.entries = append(m.entries, menuEntry{
		MenuCommand: MenuCommand{ID: id, ScriptID: sc.ID, ScriptName: sc.Name, Label: label},
		fn:          fn,
	})
	m.mu.Unlock()
	return id
}

// remove drops id if it belongs to scriptID.
func (m *Menu) remove(scriptID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ID == id && e.ScriptID == scriptID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

func (m *Menu) removeScript(scriptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.ScriptID != scriptID {
			kept = append(kept, e)
		}
	}
	m.entries = kept
}

// Clear drops every command.
func (m *Menu) Clear() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

// List returns commands in registration order.
func (m *Menu) List() []MenuCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MenuCommand, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.MenuCommand
	}
	return out
}

// Handler returns the function registered under id.
func (m *Menu) Handler(id string) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e.fn, true
		}
	}
	return nil, false
}
