package sample

import (
	"strconv"
	"time"

	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// Global is the logic of the singleton global state manager. It counts
// online players and rolls the counters up periodically.
type Global struct {
	interval   time.Duration
	online     map[entityid.ID]struct{}
	everOnline int
	rollups    int
}

func (g *Global) Register(d *entity.Dispatcher) {
	entity.HandleMessage(d, g.onOnline)
	entity.HandleMessage(d, g.onOffline)
	entity.HandleMessage(d, g.onRollup)
	entity.HandleAsk(d, g.onStats)
}

func (g *Global) Initialize(c *entity.Context) error {
	g.online = make(map[entityid.ID]struct{})
	_, err := c.StartPeriodicTimer(g.interval, g.interval, rollup{})
	return err
}

func (g *Global) onOnline(_ *entity.Context, m PlayerOnline) error {
	if _, ok := g.online[m.Player]; !ok {
		g.online[m.Player] = struct{}{}
		g.everOnline++
	}
	return nil
}

func (g *Global) onOffline(_ *entity.Context, m PlayerOffline) error {
	delete(g.online, m.Player)
	return nil
}

func (g *Global) onRollup(c *entity.Context, _ rollup) error {
	g.rollups++
	c.Logger().Debug("global rollup", "online", len(g.online), "ever_online", g.everOnline)
	return nil
}

func (g *Global) onStats(*entity.Context, GetGlobalStats) (GlobalStats, error) {
	return GlobalStats{Online: len(g.online), EverOnline: g.everOnline, Rollups: g.rollups}, nil
}

func (g *Global) Describe() string {
	return "online=" + strconv.Itoa(len(g.online))
}
