// Package deliver is the narrow delivery collaborator: clipboard copy and
// desktop notifications. Nothing here owns pipeline logic.
package deliver

import (
	cb "github.com/atotto/clipboard"
	"github.com/gen2brain/beeep"
)

func Copy(text string) error {
	return cb.WriteAll(text)
}

func Read() (string, error) {
	return cb.ReadAll()
}

func Notify(title, body string) error {
	if title == "" {
		title = "murmur"
	}
	return beeep.Notify(title, body, "")
}
