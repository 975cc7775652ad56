package sniff

import "net"

// PrefixedConn replays a buffered prefix before reading from the underlying
// conn. The prefix is owned by this conn alone; once drained, reads pass
// straight through.
type PrefixedConn struct {
	net.Conn
	prefix []byte
}

// NewPrefixedConn wraps conn so that prefix is read first. An empty prefix
// returns conn unchanged.
func NewPrefixedConn(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &PrefixedConn{Conn: conn, prefix: prefix}
}

func (c *PrefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// Buffered returns how many replay bytes remain unread.
func (c *PrefixedConn) Buffered() int {
	return len(c.prefix)
}
