package orchestrator

import (
	"fmt"
	"time"

	"github.com/jonas747/tsshard"
	"golang.org/x/exp/slices"
)

// monitor removes nodes that have been disconnected for longer than MaxNodeDowntimeBeforeRemoval
type monitor struct {
	orchestrator *Orchestrator

	interval time.Duration
	stopChan chan bool
}

func (mon *monitor) run() {
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mon.tick()
		case <-mon.stopChan:
			return
		}
	}
}

func (mon *monitor) stop() {
	close(mon.stopChan)
}

func (mon *monitor) tick() {
	o := mon.orchestrator
	if o.ExternalMembership || o.MaxNodeDowntimeBeforeRemoval <= 0 {
		return
	}

	o.mu.Lock()
	conns := slices.Clone(o.connectedNodes)
	o.mu.Unlock()

	for _, nc := range conns {
		downFor, down := nc.disconnectedFor()
		if !down || downFor < o.MaxNodeDowntimeBeforeRemoval {
			continue
		}

		id := nc.Conn.GetID()
		o.Log(tsshard.LogInfo, nil, fmt.Sprintf("monitor: node %s has been down for %s, removing it", id, downFor.Round(time.Second)))
		o.removeNode(id)
	}
}
