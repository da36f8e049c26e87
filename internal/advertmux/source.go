package advertmux

import (
	"io"
)

// Source is the minimal interface an advertisement source must satisfy: a
// stream of dump text that can be closed to stop reading.
type Source interface {
	io.Reader
	io.Closer
}
