package sample

import (
	"time"

	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/internal/persist"
	"github.com/MrWong99/entitymesh/pkg/entityid"
	"github.com/MrWong99/entitymesh/pkg/schema"
)

// ProfileTopic is the topic players publish [PlayerChanged] on.
const ProfileTopic = "profile"

// PlayerState is the persisted payload of a player.
type PlayerState struct {
	Name     string    `cbor:"1,keyasint" json:"name"`
	Coins    int64     `cbor:"2,keyasint" json:"coins"`
	Level    int       `cbor:"3,keyasint,omitempty" json:"level,omitempty"`
	JoinedAt time.Time `cbor:"4,keyasint,omitempty" json:"joined_at,omitzero"`
}

// PlayerMigrations upgrades stored players. Version 1 had no level.
func PlayerMigrations() *schema.Registry[PlayerState] {
	return schema.New[PlayerState](1, 2).Register(1, func(p *PlayerState) error {
		if p.Level == 0 {
			p.Level = 1
		}
		return nil
	})
}

// Player is the logic of a persisted player entity.
type Player struct {
	state *PlayerState
}

var (
	_ persist.Logic[PlayerState] = (*Player)(nil)
	_ entity.SubscriberAcceptor  = (*Player)(nil)
	_ entity.ShutdownHook        = (*Player)(nil)
)

func (p *Player) Register(d *entity.Dispatcher) {
	entity.HandleAsk(d, p.onJoin)
	entity.HandleAsk(d, p.onGet)
	entity.HandleAsk(d, p.onSpend)
	entity.HandleMessage(d, p.onGrant)
}

func (p *Player) InitializeNew(c *entity.Context) (*PlayerState, error) {
	return &PlayerState{Level: 1, JoinedAt: c.Now().UTC()}, nil
}

func (p *Player) PostLoad(c *entity.Context, s *PlayerState, _ time.Time, elapsed time.Duration) error {
	p.state = s
	if elapsed > 0 {
		c.Logger().Debug("player restored", "offline_for", elapsed.Round(time.Second))
	}
	return c.Cast(GlobalStateManager, PlayerOnline{Player: c.ID()})
}

func (p *Player) Snapshot(*entity.Context) (*PlayerState, error) { return p.state, nil }

func (p *Player) OnShutdown(c *entity.Context) error {
	return c.Cast(GlobalStateManager, PlayerOffline{Player: c.ID()})
}

func (p *Player) OnNewSubscriber(c *entity.Context, s *entity.Subscriber, _ entity.Message) (entity.Message, error) {
	c.Logger().Debug("watcher attached", "watcher", c.Runtime().Format(s.EntityID))
	return p.info(c), nil
}

func (p *Player) Describe() string {
	return "name=" + p.state.Name
}

func (p *Player) info(c *entity.Context) PlayerInfo {
	return PlayerInfo{
		Name:     p.state.Name,
		Coins:    p.state.Coins,
		Level:    p.state.Level,
		Watchers: len(c.Subscribers()),
	}
}

func (p *Player) onJoin(c *entity.Context, req JoinGame) (PlayerInfo, error) {
	if p.state.Name == "" && req.Name != "" {
		p.state.Name = req.Name
		persist.From(c).SchedulePersist()
	}
	return p.info(c), nil
}

func (p *Player) onGet(c *entity.Context, _ GetPlayer) (PlayerInfo, error) {
	return p.info(c), nil
}

func (p *Player) onGrant(c *entity.Context, m GrantCoins) error {
	if m.Amount <= 0 {
		return nil
	}
	p.state.Coins += m.Amount
	return p.changed(c)
}

func (p *Player) onSpend(c *entity.Context, req SpendCoins) (PlayerInfo, error) {
	if req.Amount > p.state.Coins {
		return PlayerInfo{}, InsufficientCoins{Balance: p.state.Coins, Needed: req.Amount}
	}
	p.state.Coins -= req.Amount
	if err := p.changed(c); err != nil {
		return PlayerInfo{}, err
	}
	return p.info(c), nil
}

func (p *Player) changed(c *entity.Context) error {
	persist.From(c).SchedulePersist()
	return c.Publish(ProfileTopic, PlayerChanged{Coins: p.state.Coins})
}

// GlobalStateManager is the id of the singleton global state manager.
var GlobalStateManager = entityid.MustNew(entityid.KindGlobalStateManager, 0)
