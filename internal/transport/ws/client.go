package ws

import (
	"sync"

	"github.com/cwrk-planet/collab-relay/internal/domain"

	"github.com/gorilla/websocket"
)

type client struct {
	id   string
	conn *websocket.Conn

	// send никогда не закрывается: writePump выходит по done,
	// иначе Deliver из другой горутины мог бы писать в закрытый канал.
	send chan domain.Outbound
	done chan struct{}
	once sync.Once
}

func newClient(id string, conn *websocket.Conn, buffer int) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan domain.Outbound, buffer),
		done: make(chan struct{}),
	}
}

func (c *client) enqueue(msg domain.Outbound) error {
	select {
	case <-c.done:
		return domain.ErrPeerGone
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return domain.ErrSlowConsumer
	}
}

func (c *client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
