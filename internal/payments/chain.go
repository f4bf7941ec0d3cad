package payments

import (
	"context"
	"fmt"
	"log/slog"
)

// Chain tries providers in order. Classification decides continue-vs-abort:
// unavailable or (post-retry) auth failures move to the next provider, a
// rejected request aborts immediately because retrying the same bad request
// elsewhere cannot help.
type Chain struct {
	Providers []Provider
	Log       *slog.Logger
}

// WithPreferred returns a chain with the named provider tried first. The
// remaining providers keep their order as the fallback tail. Unknown names
// leave the chain unchanged.
func (c *Chain) WithPreferred(name string) *Chain {
	for i, p := range c.Providers {
		if p.Name() != name {
			continue
		}
		reordered := make([]Provider, 0, len(c.Providers))
		reordered = append(reordered, p)
		reordered = append(reordered, c.Providers[:i]...)
		reordered = append(reordered, c.Providers[i+1:]...)
		return &Chain{Providers: reordered, Log: c.Log}
	}
	return c
}

func (c *Chain) ByName(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

func (c *Chain) CreateLink(ctx context.Context, req LinkRequest) (Link, error) {
	var lastErr error
	for _, p := range c.Providers {
		link, err := p.CreateLink(ctx, req)
		if err == nil {
			return link, nil
		}
		if Classify(err) == ClassRejected {
			return Link{}, err
		}
		if c.Log != nil {
			c.Log.Warn("provider failed, trying next",
				"provider", p.Name(), "class", Classify(err).String(), "err", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no payment providers configured")
	}
	return Link{}, lastErr
}
