//go:build windows

package transports

import (
    "msgnet/pkg/transport"
    "msgnet/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) { return winpipe.New(), nil }
