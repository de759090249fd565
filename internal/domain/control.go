package domain

import "time"

// Control commands injected by the admin tool through the shared store.
const (
	CommandPause    = "PAUSE"
	CommandResume   = "RESUME"
	CommandCloseAll = "CLOSE_ALL"

	// ControlTargetAll addresses every unit in the fleet.
	ControlTargetAll = "ALL"
)

// ControlCommand is one row in the bot_controls table. The engine flips
// Executed once the command has been acted on; commands are applied at tick
// boundaries, oldest first.
type ControlCommand struct {
	ID        int64
	BotID     string // unit name or ControlTargetAll
	Command   string
	Executed  bool
	CreatedAt time.Time
}
