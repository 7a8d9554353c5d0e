package upstream

import (
	"net"

	"go.uber.org/zap"

	"github.com/tradewire/ctrader-gateway/internal/wire"
)

func (c *Conn) readLoop(sock net.Conn, gen uint64, env string) {
	buf := make([]byte, 64<<10)
	var acc []byte
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			frames, rest := wire.Split(acc)
			acc = append(acc[:0], rest...)
			for _, f := range frames {
				c.handleFrame(f, env)
			}
		}
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
	}
}

// handleFrame decodes one inbound frame and routes it: correlated
// responses wake their sender, uncorrelated system frames settle the
// oldest pending request, everything else goes to the event handler.
func (c *Conn) handleFrame(data []byte, env string) {
	ptID, payload, wrapperID, err := c.reg.DecodeProtoMessage(data)
	if err != nil {
		c.log.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	name := c.reg.PayloadTypeName(ptID)
	if name == "" {
		c.log.Debug("dropping frame with unknown payload type", zap.Uint32("payloadType", ptID))
		return
	}

	var (
		typeName string
		decoded  map[string]any
	)
	if tn, err := c.reg.MessageTypeFor(name); err == nil {
		typeName = tn
		decoded, err = c.reg.DecodeMessage(typeName, payload)
		if err != nil {
			c.log.Warn("payload decode failed", zap.String("payload", name), zap.Error(err))
			decoded = nil
		}
	} else {
		c.log.Debug("no message type for payload", zap.String("payload", name))
	}

	id := wrapperID
	if id == "" && decoded != nil {
		if v, ok := decoded["clientMsgId"].(string); ok {
			id = v
		}
	}

	res := Result{PayloadName: name, TypeName: typeName, Decoded: decoded}

	if id != "" {
		if p := c.takePending(id); p != nil {
			p.ch <- outcome{res: res}
			return
		}
	}

	if systemPayloads[name] {
		if p := c.takeOldestPending(); p != nil {
			c.log.Debug("matching uncorrelated system frame to oldest pending request",
				zap.String("payload", name), zap.String("clientMsgId", p.id))
			p.ch <- outcome{res: res}
			return
		}
	}

	if c.onEvent != nil {
		c.onEvent(Event{Env: env, PayloadName: name, TypeName: typeName, Decoded: decoded})
		return
	}
	c.log.Debug("dropping unhandled event", zap.String("payload", name))
}

// takePending removes and returns the pending entry for id. The caller
// that wins the take is the only one allowed to settle it.
func (c *Conn) takePending(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

func (c *Conn) takeOldestPending() *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest *pending
	for _, p := range c.pending {
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	if oldest == nil {
		return nil
	}
	delete(c.pending, oldest.id)
	oldest.timer.Stop()
	return oldest
}

// takeAllPendingLocked drains the pending map. Callers hold c.mu.
func (c *Conn) takeAllPendingLocked() []*pending {
	out := make([]*pending, 0, len(c.pending))
	for _, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		out = append(out, p)
	}
	c.pending = make(map[string]*pending)
	return out
}

func failPending(ps []*pending, err error) {
	for _, p := range ps {
		p.ch <- outcome{err: err}
	}
}
