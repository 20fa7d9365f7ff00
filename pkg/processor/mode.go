package processor

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Mode is the x86 addressing mode a block was decoded for.
type Mode uint8

const (
	ModeReal Mode = iota
	ModeProtected
	ModeVirtual8086
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeVirtual8086:
		return "vm86"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode accepts the names produced by String.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "real":
		return ModeReal, nil
	case "protected":
		return ModeProtected, nil
	case "vm86", "virtual8086":
		return ModeVirtual8086, nil
	}
	return 0, errors.Newf("unknown processor mode %q", name)
}
