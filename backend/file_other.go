//go:build !linux

package backend

import (
	"errors"

	"github.com/ehrlich-b/go-blockif/internal/interfaces"
)

// ErrUnsupportedPlatform is returned by OpenFile outside Linux
var ErrUnsupportedPlatform = errors.New("file stores require linux")

// FileConfig controls how OpenFile opens the backing path
type FileConfig struct {
	Direct       bool
	ReadOnly     bool
	WriteThrough bool
}

// OpenFile is only implemented on Linux
func OpenFile(path string, cfg FileConfig) (interfaces.Store, error) {
	return nil, ErrUnsupportedPlatform
}
