// Package procconfig loads Pool sizing parameters from a TOML file, the
// same file-based configuration convention the teacher module uses for its
// own settings.
package procconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// File is the on-disk shape of a pool's sizing configuration. Zero is not
// a valid value for Max; load it and check IsZero before trusting it.
type File struct {
	Min         int  `toml:"min"`
	Max         int  `toml:"max"`
	Reserve     int  `toml:"reserve"`
	KeepAliveMs int  `toml:"keep_alive_ms"`
	Verbose     bool `toml:"verbose"`
}

// IsZero reports whether f is the zero value of File. A file that sets no
// field and a file that sets every field to zero both load as the zero
// File, so IsZero does not tell the two apart.
func (f File) IsZero() bool {
	return f == File{}
}

// Load parses a pool configuration from a TOML file at path.
func Load(path string) (File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return File{}, fmt.Errorf("procconfig: loading %s: %w", path, err)
	}
	return f, nil
}
