package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the watch view's own bindings. Row navigation is handled
// by the session table.
type KeyMap struct {
	Enter     key.Binding
	Escape    key.Binding
	Quit      key.Binding
	Debug     key.Binding
	Reload    key.Binding
	ShowEnded key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "session detail"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close overlay"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Debug: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "event log"),
		),
		Reload: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reload"),
		),
		ShowEnded: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "toggle ended"),
		),
	}
}
