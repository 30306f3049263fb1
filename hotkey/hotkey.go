// Package hotkey registers the global key combinations that drive capture:
// Ctrl+Shift+Space for the microphone, Ctrl+Shift+S for system audio.
package hotkey

type Binding int

const (
	BindingMicrophone  Binding = iota // Ctrl+Shift+Space
	BindingSystemAudio                // Ctrl+Shift+S
)

func (b Binding) String() string {
	if b == BindingSystemAudio {
		return "Ctrl+Shift+S"
	}
	return "Ctrl+Shift+Space"
}

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}
