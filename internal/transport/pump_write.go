package transport

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// writePump is the only goroutine that writes to the socket. It coalesces
// whatever is queued into one buffered flush.
func (s *Server) writePump(c *Conn) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.id,
	})
	defer s.wg.Done()

	writer := bufio.NewWriter(c.netConn)
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.netConn.Close()
		if c.throttled {
			s.cleanup(c)
		}
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !s.writeQueued(c, writer, message) {
				c.close(monitoring.DisconnectReasonWriteError)
				return
			}

		case payload := <-c.control:
			_ = c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := ws.WriteFrame(writer, ws.NewPongFrame(payload)); err != nil {
				c.close(monitoring.DisconnectReasonWriteError)
				return
			}
			if err := writer.Flush(); err != nil {
				c.close(monitoring.DisconnectReasonWriteError)
				return
			}

		case <-ticker.C:
			_ = c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := wsutil.WriteServerMessage(c.netConn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to send ping")
				c.close(monitoring.DisconnectReasonWriteError)
				return
			}

		case <-c.done:
			// Best effort: drain what is queued, then say goodbye
			_ = c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			for n := len(c.send); n > 0; n-- {
				if !s.writeQueued(c, writer, <-c.send) {
					return
				}
			}
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, c.closeReason())
			_ = ws.WriteFrame(writer, ws.NewCloseFrame(body))
			_ = writer.Flush()
			return
		}
	}
}

// writeQueued writes message plus anything else already queued, then flushes.
func (s *Server) writeQueued(c *Conn, writer *bufio.Writer, message []byte) bool {
	written := 0
	for {
		if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to write message")
			return false
		}
		written++
		atomic.AddInt64(&s.stats.MessagesSent, 1)
		atomic.AddInt64(&s.stats.BytesSent, int64(len(message)))

		if len(c.send) == 0 {
			break
		}
		message = <-c.send
	}

	monitoring.IncrementMessagesSent(written)
	if err := writer.Flush(); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to flush writer")
		return false
	}
	return true
}
