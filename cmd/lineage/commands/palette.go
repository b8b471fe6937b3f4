package commands

import (
	"io"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// palette colours output only when it goes to a terminal. Colour state is
// per instance so concurrent commands never touch color.NoColor.
type palette struct {
	tty bool
}

func newPalette(w io.Writer) palette {
	f, ok := w.(*os.File)
	if !ok {
		return palette{}
	}

	return palette{tty: term.IsTerminal(int(f.Fd()))}
}

func (p palette) color(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if p.tty {
		c.EnableColor()
	} else {
		c.DisableColor()
	}

	return c
}
