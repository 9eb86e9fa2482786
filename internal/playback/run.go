// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package playback

import (
	"context"
	"sync"
	"time"
)

// Ticker is a time driven component.
type Ticker interface {
	Tick(dt time.Duration)
}

// Run ticks t every interval with the wall time elapsed since the
// previous tick until ctx is cancelled. It is a host loop for headless
// use.
func Run(ctx context.Context, t Ticker, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C:
			t.Tick(now.Sub(last))
			last = now
		}
	}
}

// Group is a set of players ticked together.
type Group struct {
	mu      sync.Mutex
	players map[*Player]struct{}
}

// Add adds p to the group.
func (g *Group) Add(p *Player) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.players == nil {
		g.players = make(map[*Player]struct{})
	}
	g.players[p] = struct{}{}
}

// Remove removes p from the group.
func (g *Group) Remove(p *Player) {
	g.mu.Lock()
	delete(g.players, p)
	g.mu.Unlock()
}

// Len returns the number of players in the group.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.players)
}

// Tick ticks all the players in the group.
func (g *Group) Tick(dt time.Duration) {
	g.mu.Lock()
	players := make([]*Player, 0, len(g.players))
	for p := range g.players {
		players = append(players, p)
	}
	g.mu.Unlock()
	for _, p := range players {
		p.Tick(dt)
	}
}
