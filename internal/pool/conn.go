package pool

import (
	"net"
	"sync"
)

// trackedConn runs onClose the first time the stream is closed.
type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	c.once.Do(c.onClose)
	return c.Conn.Close()
}
