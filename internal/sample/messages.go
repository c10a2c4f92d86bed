package sample

import (
	"fmt"

	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// Player requests.

// JoinGame names the player on first join and returns its profile.
type JoinGame struct{ Name string }

func (JoinGame) MessageCode() uint32 { return 1000 }

// GetPlayer returns the player's profile.
type GetPlayer struct{}

func (GetPlayer) MessageCode() uint32 { return 1001 }

// PlayerInfo is the public profile of a player.
type PlayerInfo struct {
	Name     string
	Coins    int64
	Level    int
	Watchers int
}

func (PlayerInfo) MessageCode() uint32 { return 1002 }

// GrantCoins adds coins without waiting for an answer.
type GrantCoins struct{ Amount int64 }

func (GrantCoins) MessageCode() uint32 { return 1003 }

// SpendCoins removes coins or refuses with [InsufficientCoins].
type SpendCoins struct{ Amount int64 }

func (SpendCoins) MessageCode() uint32 { return 1004 }

// InsufficientCoins refuses a [SpendCoins] the balance cannot cover.
type InsufficientCoins struct {
	Balance int64
	Needed  int64
}

func (InsufficientCoins) MessageCode() uint32 { return 1005 }

func (e InsufficientCoins) Error() string {
	return fmt.Sprintf("insufficient coins: have %d, need %d", e.Balance, e.Needed)
}

// PlayerChanged is published on the player's profile topic.
type PlayerChanged struct{ Coins int64 }

func (PlayerChanged) MessageCode() uint32 { return 1006 }

// Session requests.

// OpenSession attaches the session to a player.
type OpenSession struct{ Player entityid.ID }

func (OpenSession) MessageCode() uint32 { return 1010 }

// GetSession returns what the session saw of its player.
type GetSession struct{}

func (GetSession) MessageCode() uint32 { return 1011 }

// SessionInfo describes a session.
type SessionInfo struct {
	Player  entityid.ID
	Coins   int64
	Updates int
}

func (SessionInfo) MessageCode() uint32 { return 1012 }

// CloseSession detaches the session and stops it.
type CloseSession struct{}

func (CloseSession) MessageCode() uint32 { return 1013 }

// Global state.

// PlayerOnline and PlayerOffline keep the global player count.
type PlayerOnline struct{ Player entityid.ID }

func (PlayerOnline) MessageCode() uint32 { return 1020 }

type PlayerOffline struct{ Player entityid.ID }

func (PlayerOffline) MessageCode() uint32 { return 1021 }

// GetGlobalStats returns the counters of the global state manager.
type GetGlobalStats struct{}

func (GetGlobalStats) MessageCode() uint32 { return 1022 }

// GlobalStats lists the counters of the global state manager.
type GlobalStats struct {
	Online     int
	EverOnline int
	Rollups    int
}

func (GlobalStats) MessageCode() uint32 { return 1023 }

// rollup is the global state manager's periodic timer message.
type rollup struct{}

func (rollup) MessageCode() uint32 { return 1024 }

// Messages lists every message of the sample entities for registration.
func Messages() []entity.Message {
	return []entity.Message{
		JoinGame{}, GetPlayer{}, PlayerInfo{}, GrantCoins{}, SpendCoins{}, InsufficientCoins{}, PlayerChanged{},
		OpenSession{}, GetSession{}, SessionInfo{}, CloseSession{}, SessionBusy{},
		PlayerOnline{}, PlayerOffline{}, GetGlobalStats{}, GlobalStats{}, rollup{},
	}
}
