package sample

import (
	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// SessionBusy refuses a second [OpenSession] on an attached session.
type SessionBusy struct{ Player entityid.ID }

func (SessionBusy) MessageCode() uint32 { return 1014 }
func (e SessionBusy) Error() string    { return "session already follows " + e.Player.String() }

// Session is an ephemeral entity following one player's profile.
type Session struct {
	player  entityid.ID
	sub     *entity.Subscription
	coins   int64
	updates int
}

var (
	_ entity.SubscriptionLostHook   = (*Session)(nil)
	_ entity.SubscriptionKickedHook = (*Session)(nil)
)

func (s *Session) Register(d *entity.Dispatcher) {
	entity.HandleAsk(d, s.onOpen)
	entity.HandleAsk(d, s.onGet)
	entity.HandleAsk(d, s.onClose)
	entity.HandleSubscriptionMessage(d, s.onPlayerChanged)
}

func (s *Session) onOpen(c *entity.Context, req OpenSession) (SessionInfo, error) {
	if s.sub != nil {
		return SessionInfo{}, SessionBusy{Player: s.player}
	}
	sub, welcome, err := c.Subscribe(req.Player, ProfileTopic, GetPlayer{})
	if err != nil {
		return SessionInfo{}, err
	}
	s.player, s.sub = req.Player, sub
	if info, ok := welcome.(PlayerInfo); ok {
		s.coins = info.Coins
	}
	return s.info(), nil
}

func (s *Session) onGet(*entity.Context, GetSession) (SessionInfo, error) {
	return s.info(), nil
}

func (s *Session) onClose(c *entity.Context, _ CloseSession) (SessionInfo, error) {
	if s.sub != nil {
		if _, err := c.Unsubscribe(s.sub, nil); err != nil {
			return SessionInfo{}, err
		}
		s.sub = nil
	}
	c.RequestShutdown()
	return s.info(), nil
}

func (s *Session) onPlayerChanged(_ *entity.Context, _ *entity.Subscription, m PlayerChanged) error {
	s.coins = m.Coins
	s.updates++
	return nil
}

// OnSubscriptionLost stops the session; its player went away.
func (s *Session) OnSubscriptionLost(c *entity.Context, _ *entity.Subscription) error {
	s.sub = nil
	c.RequestShutdown()
	return nil
}

func (s *Session) OnSubscriptionKicked(c *entity.Context, _ *entity.Subscription, _ entity.Message) error {
	s.sub = nil
	c.RequestShutdown()
	return nil
}

func (s *Session) info() SessionInfo {
	return SessionInfo{Player: s.player, Coins: s.coins, Updates: s.updates}
}
