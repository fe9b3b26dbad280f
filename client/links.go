package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"meshrpc/mesh"
)

// lockFor returns the mutex serializing link establishment towards one
// destination. Concurrent callers to the same destination share the
// cached link instead of racing to open duplicates.
func (c *Client) lockFor(dest mesh.Hash) *sync.Mutex {
	c.destMu.Lock()
	defer c.destMu.Unlock()
	mu, ok := c.destLock[dest]
	if !ok {
		mu = &sync.Mutex{}
		c.destLock[dest] = mu
	}
	return mu
}

// resolveLink returns an established link to dest, reusing the cached
// one when it is still alive.
func (c *Client) resolveLink(ctx context.Context, dest mesh.Hash) (mesh.Link, error) {
	mu := c.lockFor(dest)
	mu.Lock()
	defer mu.Unlock()

	if link, ok := c.links.Get(dest); ok {
		if link.State() == mesh.LinkEstablished {
			return link, nil
		}
		c.links.Remove(dest)
	}

	if err := c.awaitPath(ctx, dest); err != nil {
		return nil, err
	}
	return c.openLink(ctx, dest)
}

// awaitPath polls the transport until a path to dest is known or the
// retry budget runs out.
func (c *Client) awaitPath(ctx context.Context, dest mesh.Hash) error {
	if c.transport.HasPath(dest) {
		return nil
	}
	c.transport.RequestPath(dest)
	for i := 0; i < c.pathRetries; i++ {
		timer := c.clk.Timer(c.pathInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		if c.transport.HasPath(dest) {
			return nil
		}
	}
	return fmt.Errorf("%w: no path to %s after %d attempts", ErrUnreachable, dest, c.pathRetries)
}

func (c *Client) openLink(ctx context.Context, dest mesh.Hash) (mesh.Link, error) {
	established := make(chan struct{})
	link, err := c.transport.NewLink(c.dest.Hash(), dest,
		func(l mesh.Link) { close(established) },
		func(l mesh.Link) { c.dropLink(dest, l) })
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, dest, err)
	}

	timer := c.clk.Timer(c.establishTimeout)
	defer timer.Stop()
	select {
	case <-established:
	case <-timer.C:
		link.Close()
		return nil, fmt.Errorf("%w: link to %s not established", ErrTimeout, dest)
	case <-ctx.Done():
		link.Close()
		return nil, ctx.Err()
	}

	c.links.Add(dest, link)
	c.logger.Debug("link established", zap.String("destination", dest.String()))
	return link, nil
}

// dropLink removes the cache entry when the peer closed the link, but
// only if the cache still holds that exact link.
func (c *Client) dropLink(dest mesh.Hash, closed mesh.Link) {
	if cached, ok := c.links.Peek(dest); ok && cached == closed {
		c.links.Remove(dest)
	}
}
