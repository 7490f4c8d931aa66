//go:build rp2040

package shell

import (
	"context"
	"io"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"
)

// uartPort adapts uartx to the io.ReadWriter the shell consumes.
type uartPort struct{ u *uartx.UART }

func (p *uartPort) Write(b []byte) (int, error) { return p.u.Write(b) }
func (p *uartPort) Read(b []byte) (int, error) {
	return p.u.RecvSomeContext(context.Background(), b)
}

// DefaultTransport returns the console UART of the board.
func DefaultTransport(baud uint32) io.ReadWriter {
	_ = uartx.UART0.Configure(uartx.UARTConfig{BaudRate: baud})
	return &uartPort{u: uartx.UART0}
}
