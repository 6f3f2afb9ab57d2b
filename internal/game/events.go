package game

// Event types pushed to connected clients.
const (
	EventRoundStarting = "game_starting"
	EventRoundStarted  = "game_started"
	EventTick          = "game_tick"
	EventRoundCrash    = "game_crash"
	EventCashedOut     = "cashed_out"
	EventPlayerJoined  = "player_bet"
)

// Event is a fire-and-forget notification from the engine.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Publisher receives engine events. Implementations must not block the
// caller; delivery is at most once.
type Publisher interface {
	Publish(evt Event)
}

// Publishers fans an event out to several publishers.
type Publishers []Publisher

func (ps Publishers) Publish(evt Event) {
	for _, p := range ps {
		p.Publish(evt)
	}
}

type RoundStartingMessage struct {
	RoundID       int64 `json:"game_id"`
	MaxWin        int64 `json:"max_win"`
	TimeTillStart int64 `json:"time_till_start"`
}

type RoundStartedMessage struct {
	Bets map[string]int64 `json:"bets"`
}

type TickMessage struct {
	Elapsed int64 `json:"elapsed"`
}

type RoundCrashMessage struct {
	Forced     bool             `json:"forced"`
	Elapsed    int64            `json:"elapsed"`
	CrashPoint int64            `json:"game_crash"`
	Bonuses    map[string]int64 `json:"bonuses"`
	Hash       string           `json:"hash"`
}

type CashedOutMessage struct {
	Username  string `json:"username"`
	StoppedAt int64  `json:"stopped_at"`
}

type PlayerJoinedMessage struct {
	Username string `json:"username"`
	Rank     int    `json:"index"`
}
