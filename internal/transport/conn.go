package transport

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/odin-broadcast/engine/internal/metrics"
)

const (
	writeBufferSize = 4096
	sendQueueSize   = 256
	pingInterval    = 30 * time.Second
	writeTimeout    = 10 * time.Second
)

// Conn wraps one upgraded WebSocket connection: a bounded outbound
// queue drained by a single writer goroutine, matching the reference
// fleet's one-writer-per-socket rule (net.Conn is not safe for
// concurrent writes).
type Conn struct {
	id     int64
	userID string
	raw    net.Conn

	send   chan []byte
	closed atomic.Bool
	done   chan struct{}

	logger      zerolog.Logger
	onSlowClient func(connID int64, userID string)
}

func newConn(id int64, userID string, raw net.Conn, logger zerolog.Logger, onSlowClient func(connID int64, userID string)) *Conn {
	return &Conn{
		id:           id,
		userID:       userID,
		raw:          raw,
		send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
		logger:       logger.With().Int64("conn_id", id).Str("user_id", userID).Logger(),
		onSlowClient: onSlowClient,
	}
}

// ID returns the connection's server-assigned sequence number, unique
// for the lifetime of the process.
func (c *Conn) ID() int64 { return c.id }

// UserID returns the identity resolved for this connection at upgrade
// time.
func (c *Conn) UserID() string { return c.userID }

// Enqueue queues payload for delivery without blocking. If the
// connection's send buffer is full the connection is considered slow
// and is torn down, mirroring the reference fleet's policy of
// disconnecting clients that can't keep up rather than letting one
// slow reader back-pressure the whole broadcaster.
func (c *Conn) Enqueue(payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		metrics.EventsDropped.WithLabelValues("slow_client").Inc()
		if c.onSlowClient != nil {
			c.onSlowClient(c.id, c.userID)
		}
		c.Close()
		return false
	}
}

// Close idempotently shuts the connection down.
func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	_ = c.raw.Close()
}

// writePump drains the send queue, writing whatever has queued up since
// the last write as one frame per payload and flushing once per drained
// batch, and pings on idle to detect dead peers.
func (c *Conn) writePump() {
	w := bufio.NewWriterSize(c.raw, writeBufferSize)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			batch := [][]byte{payload}
		drain:
			for {
				select {
				case more, ok := <-c.send:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}

			_ = c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
			sent := 0
			for _, p := range batch {
				if err := wsutil.WriteServerMessage(w, ws.OpText, p); err != nil {
					c.logger.Debug().Err(err).Msg("write failed, closing connection")
					return
				}
				sent++
			}
			if err := w.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("flush failed, closing connection")
				return
			}
			metrics.EventsDelivered.Add(float64(sent))

		case <-ticker.C:
			_ = c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wsutil.WriteServerMessage(w, ws.OpPing, nil); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump discards client frames beyond control-frame handling: this
// engine is a one-way broadcast fan-out and expects no application
// payloads from subscribers, only pings/closes/pongs.
func (c *Conn) readPump() {
	defer c.Close()
	for {
		_, op, err := wsutil.ReadClientData(c.raw)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}
	}
}
