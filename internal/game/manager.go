package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"crash/internal/metrics"
)

// Manager runs the round state machine. Every piece of round state is owned
// by a single loop goroutine; public methods and ledger completions are
// funnelled into it as closures, so the state is never touched concurrently.
type Manager struct {
	cfg     Config
	growth  Growth
	ledger  Ledger
	pub     Publisher
	history *History
	log     *slog.Logger

	// ledgerCtx outlives shutdown so in-flight settlement can finish.
	ledgerCtx context.Context
	stopCtx   context.Context
	stopFn    context.CancelFunc

	commands    chan func()
	completions chan func()
	quit        chan struct{}
	stopped     chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once

	// loop-owned
	round        Round
	lastHash     string
	bankroll     int64
	risk         exposure
	forcePoint   int64
	running      bool
	shuttingDown bool
	committing   bool
	forcing      bool
	settling     bool
	fault        error
	unsettled    *settlement
	cashOutsOpen int
	pending      map[string]struct{}
	joined       []*Play
	players      map[string]*Play
	playing      *playingList
	step         *task
	heartbeat    *task
	idleWaiters  []chan struct{}
}

func NewManager(cfg Config, ledger Ledger, pub Publisher, history *History, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if history == nil {
		history = NewHistory(DefaultHistoryLength, nil)
	}
	if cfg.ForceSettleWorkers <= 0 {
		cfg.ForceSettleWorkers = 1
	}
	stopCtx, stopFn := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		growth:      Growth{Rate: cfg.GrowthRate},
		ledger:      ledger,
		pub:         pub,
		history:     history,
		log:         logger.With("component", "game"),
		ledgerCtx:   context.Background(),
		stopCtx:     stopCtx,
		stopFn:      stopFn,
		commands:    make(chan func(), 64),
		completions: make(chan func(), 64),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		forcePoint:  NoForcePoint,
		pending:     make(map[string]struct{}),
		players:     make(map[string]*Play),
		round:       Round{State: StateEnded},
	}
}

// Start resumes from the ledger's last round and bankroll and begins the
// round loop.
func (m *Manager) Start(ctx context.Context) error {
	last, err := m.ledger.LastRoundInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to load last round: %w", err)
	}
	bankroll, err := m.ledger.Bankroll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bankroll: %w", err)
	}

	m.startOnce.Do(func() {
		m.round = Round{ID: last.ID, Hash: last.Hash, State: StateEnded}
		m.lastHash = last.Hash
		m.bankroll = bankroll
		metrics.Bankroll.Set(float64(bankroll))
		m.log.Info("Game resuming", "last_round", last.ID, "bankroll", bankroll)
		go m.loop()
	})
	return m.Resume(ctx)
}

// Stop ends the loop without settling. Use Shutdown for a clean exit.
func (m *Manager) Stop() {
	// A loop that never started has nothing to wait for.
	m.startOnce.Do(func() { close(m.stopped) })
	m.stopOnce.Do(func() {
		m.stopFn()
		close(m.quit)
	})
	<-m.stopped
}

func (m *Manager) loop() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.commands:
			fn()
		case fn := <-m.completions:
			fn()
		case <-m.step.c():
			fire(&m.step)
		case <-m.heartbeat.c():
			fire(&m.heartbeat)
		case <-m.quit:
			cancelTask(&m.step)
			cancelTask(&m.heartbeat)
			return
		}
	}
}

// do hands fn to the loop.
func (m *Manager) do(ctx context.Context, fn func()) error {
	select {
	case m.commands <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrShuttingDown
	}
}

// complete hands a ledger result back to the loop. Results arriving after
// Stop are dropped.
func (m *Manager) complete(fn func()) {
	select {
	case m.completions <- fn:
	case <-m.quit:
	}
}

func await[T any](ctx context.Context, m *Manager, reply <-chan T) (T, error) {
	var zero T
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.stopped:
		return zero, ErrShuttingDown
	}
}

type betReply struct {
	res PlaceBetResult
	err error
}

// PlaceBet joins user into the round that is currently STARTING. amount
// must be a positive multiple of 100 and autoCashOut at least 100.
func (m *Manager) PlaceBet(ctx context.Context, user User, amount, autoCashOut int64) (PlaceBetResult, error) {
	if amount <= 0 || amount%100 != 0 || autoCashOut < 100 {
		metrics.BetsRejected.WithLabelValues(ErrInvalidBet.Code).Inc()
		return PlaceBetResult{}, ErrInvalidBet
	}

	reply := make(chan betReply, 1)
	if err := m.do(ctx, func() { m.placeBet(user, amount, autoCashOut, reply) }); err != nil {
		return PlaceBetResult{}, err
	}
	r, err := await(ctx, m, reply)
	if err != nil {
		return PlaceBetResult{}, err
	}
	if r.err != nil {
		metrics.BetsRejected.WithLabelValues(PublicCode(r.err)).Inc()
	}
	return r.res, r.err
}

func (m *Manager) placeBet(user User, amount, autoCashOut int64, reply chan<- betReply) {
	if m.shuttingDown {
		reply <- betReply{err: ErrShuttingDown}
		return
	}
	if m.round.State != StateStarting {
		reply <- betReply{err: ErrGameInProgress}
		return
	}
	name := user.Username
	if _, ok := m.pending[name]; ok || m.players[name] != nil {
		reply <- betReply{err: ErrAlreadyPlacedBet}
		return
	}

	m.pending[name] = struct{}{}
	metrics.PendingJoins.Set(float64(len(m.pending)))
	roundID := m.round.ID

	go func() {
		playID, err := m.ledger.PlaceBet(m.ledgerCtx, amount, autoCashOut, user.ID, roundID)
		m.complete(func() {
			m.finishBet(user, roundID, amount, autoCashOut, playID, err, reply)
		})
	}()
}

func (m *Manager) finishBet(user User, roundID, amount, autoCashOut, playID int64, err error, reply chan<- betReply) {
	delete(m.pending, user.Username)
	metrics.PendingJoins.Set(float64(len(m.pending)))

	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			reply <- betReply{err: ErrNotEnoughMoney}
			return
		}
		m.log.Error("Failed to place bet", "user", user.Username, "round", roundID, "error", err)
		reply <- betReply{err: fmt.Errorf("place bet: %w", err)}
		return
	}

	// The BLOCKING barrier keeps the round from starting while this write
	// is in flight.
	if m.round.ID != roundID || (m.round.State != StateStarting && m.round.State != StateBlocking) {
		m.violation(invariant("placeBet", "bet %d for round %d settled while round %d is %s",
			playID, roundID, m.round.ID, m.round.State))
		reply <- betReply{err: ErrInternal}
		return
	}

	play := &Play{
		User:        user,
		PlayID:      playID,
		Bet:         amount,
		AutoCashOut: autoCashOut,
		Status:      StatusPlaying,
	}
	m.bankroll += amount
	m.risk.join(amount)
	m.joined = append(m.joined, play)
	m.players[user.Username] = play
	rank := len(m.joined) - 1

	metrics.BetsPlaced.Inc()
	m.publish(EventPlayerJoined, PlayerJoinedMessage{Username: user.Username, Rank: rank})
	reply <- betReply{res: PlaceBetResult{PlayID: playID, Rank: rank}}
}

type cashOutReply struct {
	res CashOutResult
	err error
}

// CashOut settles user's open play at the current multiplier, capped by the
// play's auto target and the force point.
func (m *Manager) CashOut(ctx context.Context, user User) (CashOutResult, error) {
	reply := make(chan cashOutReply, 1)
	if err := m.do(ctx, func() { m.cashOut(user, reply) }); err != nil {
		return CashOutResult{}, err
	}
	r, err := await(ctx, m, reply)
	if err != nil {
		return CashOutResult{}, err
	}
	return r.res, r.err
}

func (m *Manager) cashOut(user User, reply chan<- cashOutReply) {
	if m.round.State != StateInProgress {
		reply <- cashOutReply{err: ErrGameNotInProgress}
		return
	}

	at := m.growth.Multiplier(time.Since(m.round.StartTime))
	play := m.players[user.Username]
	if play == nil {
		reply <- cashOutReply{err: ErrNoBetPlaced}
		return
	}
	if play.AutoCashOut <= at {
		at = play.AutoCashOut
	}
	if m.forcePoint <= at {
		at = m.forcePoint
	}
	if at > m.round.CrashPoint {
		reply <- cashOutReply{err: ErrGameAlreadyCrashed}
		return
	}
	if play.cashedOut() {
		reply <- cashOutReply{err: ErrAlreadyCashedOut}
		return
	}

	payout, err := m.settlePlay(play, at)
	if err != nil {
		reply <- cashOutReply{err: ErrInternal}
		return
	}
	metrics.CashOuts.WithLabelValues(metrics.KindManual).Inc()
	m.setForcePoint()

	m.writeCashOut(play, payout, func(err error) {
		if err != nil {
			reply <- cashOutReply{err: fmt.Errorf("cash out: %w", err)}
			return
		}
		reply <- cashOutReply{res: CashOutResult{StoppedAt: at, Payout: payout}}
	})
}

// settlePlay moves play to CASHED_OUT at multiplier at and updates the
// running totals. It returns the payout owed to the player.
func (m *Manager) settlePlay(play *Play, at int64) (int64, error) {
	if play.cashedOut() {
		err := invariant("cashOut", "play %d of %s is already cashed out at %d",
			play.PlayID, play.User.Username, play.StoppedAt)
		m.violation(err)
		return 0, err
	}
	if at < 100 {
		err := invariant("cashOut", "play %d cashed out below break-even at %d", play.PlayID, at)
		m.violation(err)
		return 0, err
	}
	if (play.Bet*at)%100 != 0 {
		err := invariant("cashOut", "payout of play %d at %d is not whole", play.PlayID, at)
		m.violation(err)
		return 0, err
	}

	payout := play.Bet * at / 100
	profit := play.Bet * (at - 100) / 100

	play.Status = StatusCashedOut
	play.StoppedAt = at
	m.risk.cashOut(play.Bet, profit)

	m.publish(EventCashedOut, CashedOutMessage{Username: play.User.Username, StoppedAt: at})
	return payout, nil
}

// writeCashOut persists one settled play off the loop and reports back on it.
func (m *Manager) writeCashOut(play *Play, payout int64, done func(error)) {
	userID, playID := play.User.ID, play.PlayID
	m.cashOutsOpen++
	go func() {
		err := m.ledger.CashOut(m.ledgerCtx, userID, playID, payout)
		m.complete(func() {
			m.cashOutsOpen--
			if err != nil {
				m.log.Error("Failed to persist cashout", "play", playID, "payout", payout, "error", err)
			}
			done(err)
			m.notifyIdleIfQuiet()
		})
	}()
}

// Resume restarts the round loop after Pause or a held fault.
func (m *Manager) Resume(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := m.do(ctx, func() { reply <- m.resume() }); err != nil {
		return err
	}
	res, err := await(ctx, m, reply)
	if err != nil {
		return err
	}
	return res
}

func (m *Manager) resume() error {
	if m.shuttingDown {
		return ErrShuttingDown
	}
	if m.running || m.round.State != StateEnded || m.settling || m.committing {
		return ErrGameStillActive
	}
	if m.fault != nil {
		m.log.Warn("Clearing held fault", "round", m.round.ID, "fault", m.fault)
		m.fault = nil
	}
	m.running = true
	cancelTask(&m.step)
	if m.unsettled != nil {
		m.log.Info("Retrying round settlement", "round", m.unsettled.roundID)
		m.settle(*m.unsettled)
		return nil
	}
	m.log.Info("Game running", "next_round", m.round.ID+1)
	m.advance()
	return nil
}

// Pause lets the current round finish and holds before the next one.
func (m *Manager) Pause(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := m.do(ctx, func() {
		if m.running {
			m.log.Info("Game pausing", "round", m.round.ID)
		}
		m.running = false
		reply <- struct{}{}
	}); err != nil {
		return err
	}
	_, err := await(ctx, m, reply)
	return err
}

// Info returns a snapshot of the current round.
func (m *Manager) Info(ctx context.Context) (RoundInfo, error) {
	reply := make(chan RoundInfo, 1)
	if err := m.do(ctx, func() { reply <- m.info() }); err != nil {
		return RoundInfo{}, err
	}
	return await(ctx, m, reply)
}

func (m *Manager) info() RoundInfo {
	info := RoundInfo{
		State:      m.round.State,
		RoundID:    m.round.ID,
		LastHash:   m.lastHash,
		MaxWin:     m.risk.maxWin,
		Created:    m.round.StartTime,
		Joined:     make([]string, 0, len(m.joined)),
		PlayerInfo: m.playerInfo(),
		Paused:     !m.running,
	}
	if !m.round.StartTime.IsZero() {
		info.Elapsed = time.Since(m.round.StartTime).Milliseconds()
	}
	for _, p := range m.joined {
		info.Joined = append(info.Joined, p.User.Username)
	}
	if m.round.State == StateEnded && !m.round.StartTime.IsZero() {
		cp := m.round.CrashPoint
		info.CrashedAt = &cp
	}
	return info
}

func (m *Manager) playerInfo() map[string]PlayerInfo {
	out := make(map[string]PlayerInfo, len(m.players))
	for name, p := range m.players {
		pi := PlayerInfo{Bet: p.Bet}
		if p.cashedOut() {
			at := p.StoppedAt
			pi.StoppedAt = &at
		}
		out[name] = pi
	}
	return out
}

// History returns the completed rounds kept in memory, newest first.
func (m *Manager) History() *History {
	return m.history
}

// ForceSettle cashes every open play out at at, capped by the current
// multiplier, and ends the round as forced.
func (m *Manager) ForceSettle(ctx context.Context, at int64) error {
	if at < 100 {
		return ErrInvalidBet
	}
	reply := make(chan error, 1)
	if err := m.do(ctx, func() {
		if m.round.State != StateInProgress {
			reply <- ErrGameNotInProgress
			return
		}
		if m.forcing {
			reply <- ErrGameStillActive
			return
		}
		m.log.Warn("Force settling round", "round", m.round.ID, "at", at)
		m.forceEnd(at)
		reply <- nil
	}); err != nil {
		return err
	}
	res, err := await(ctx, m, reply)
	if err != nil {
		return err
	}
	return res
}

// Shutdown stops accepting bets, force-settles the running round at the
// current multiplier, waits for the ledger to confirm settlement and then
// stops the loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	idle := make(chan struct{})
	if err := m.do(ctx, func() { m.beginShutdown(idle) }); err != nil {
		if errors.Is(err, ErrShuttingDown) {
			return nil
		}
		return err
	}

	select {
	case <-idle:
	case <-ctx.Done():
		m.log.Error("Shutdown timed out before settlement finished", "error", ctx.Err())
		m.Stop()
		return ctx.Err()
	}
	m.Stop()
	return nil
}

func (m *Manager) beginShutdown(idle chan struct{}) {
	m.log.Info("Shutting down game", "round", m.round.ID, "state", m.round.State)
	m.shuttingDown = true
	m.running = false
	m.idleWaiters = append(m.idleWaiters, idle)

	switch m.round.State {
	case StateStarting:
		cancelTask(&m.step)
		m.blockRound()
	case StateBlocking:
		// startRound settles once the barrier clears.
	case StateInProgress:
		if !m.forcing {
			m.forceEnd(m.growth.Multiplier(time.Since(m.round.StartTime)))
		}
	case StateEnded:
		cancelTask(&m.step)
		if m.unsettled != nil && !m.settling {
			m.settle(*m.unsettled)
			return
		}
		m.notifyIdleIfQuiet()
	}
}

// forceEnd stops the tick loop and settles every open play at at.
func (m *Manager) forceEnd(at int64) {
	cancelTask(&m.step)
	current := m.growth.Multiplier(time.Since(m.round.StartTime))
	if at > current {
		at = current
	}
	if at > m.round.CrashPoint {
		m.endRound(false)
		return
	}
	m.cashOutAll(at, func(error) { m.endRound(true) })
}

func (m *Manager) notifyIdleIfQuiet() {
	if m.settling || m.committing || m.forcing || m.cashOutsOpen > 0 || len(m.pending) > 0 {
		return
	}
	if m.round.State != StateEnded {
		return
	}
	for _, ch := range m.idleWaiters {
		close(ch)
	}
	m.idleWaiters = nil
}

// advance commits the next round, retrying ledger failures with backoff
// until it succeeds or the manager stops.
func (m *Manager) advance() {
	if !m.running {
		m.log.Info("Game paused", "round", m.round.ID)
		return
	}
	if m.committing {
		return
	}
	m.committing = true
	nextID := m.round.ID + 1

	go func() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = m.cfg.CommitRetry
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0

		var commitment RoundCommitment
		err := backoff.RetryNotify(func() error {
			var err error
			commitment, err = m.ledger.CommitRound(m.stopCtx, nextID)
			if errors.Is(err, ErrNoGameHash) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(b, m.stopCtx), func(err error, wait time.Duration) {
			m.log.Warn("Could not create round, retrying", "round", nextID, "retry_in", wait, "error", err)
		})

		m.complete(func() { m.openRound(nextID, commitment, err) })
	}()
}

func (m *Manager) openRound(id int64, c RoundCommitment, err error) {
	m.committing = false
	if err != nil {
		m.log.Error("Failed to commit round", "round", id, "error", err)
		m.fault = err
		m.running = false
		m.notifyIdleIfQuiet()
		return
	}
	if m.shuttingDown {
		m.log.Info("Round committed during shutdown, not opening", "round", id)
		m.notifyIdleIfQuiet()
		return
	}

	crashPoint := c.CrashPoint
	if m.cfg.CrashAt > 0 && !m.cfg.Production {
		crashPoint = m.cfg.CrashAt
	}

	m.round = Round{
		ID:         id,
		CrashPoint: crashPoint,
		Hash:       c.Hash,
		StartTime:  time.Now().Add(m.cfg.RestartTime),
		Duration:   m.growth.RunTime(crashPoint),
		State:      StateStarting,
	}
	m.risk.reset(MaxWin(m.bankroll, m.cfg.RiskFraction))
	m.forcePoint = NoForcePoint
	m.pending = make(map[string]struct{})
	m.players = make(map[string]*Play)
	m.joined = nil
	m.playing = nil

	m.log.Debug("Round starting", "round", id, "max_win", m.risk.maxWin)
	m.publish(EventRoundStarting, RoundStartingMessage{
		RoundID:       id,
		MaxWin:        m.risk.maxWin,
		TimeTillStart: m.cfg.RestartTime.Milliseconds(),
	})
	schedule(&m.step, m.cfg.RestartTime, m.blockRound)
}

// blockRound closes admission and waits for in-flight bets to land.
func (m *Manager) blockRound() {
	m.round.State = StateBlocking
	if len(m.pending) > 0 {
		m.log.Debug("Delaying round start, bets pending", "round", m.round.ID, "pending", len(m.pending))
		schedule(&m.step, m.cfg.BlockPoll, m.blockRound)
		return
	}
	m.startRound()
}

func (m *Manager) startRound() {
	m.round.State = StateInProgress
	m.round.StartTime = time.Now()

	bets := make(map[string]int64, len(m.joined))
	for _, p := range m.joined {
		bets[p.User.Username] = p.Bet
	}
	m.playing = newPlayingList(m.joined)
	m.publish(EventRoundStarted, RoundStartedMessage{Bets: bets})

	m.setForcePoint()

	if m.shuttingDown {
		m.forceEnd(100)
		return
	}
	m.scheduleTick(0)
}

func (m *Manager) scheduleTick(elapsed time.Duration) {
	next := m.round.Duration - elapsed
	if next > m.cfg.TickRate {
		next = m.cfg.TickRate
	}
	schedule(&m.step, next, m.runTick)
}

func (m *Manager) runTick() {
	elapsed := time.Since(m.round.StartTime)
	at := m.growth.Multiplier(elapsed)

	m.runCashOuts(at)

	if m.forcePoint <= at && m.forcePoint <= m.round.CrashPoint {
		m.cashOutAll(m.forcePoint, func(error) { m.endRound(true) })
		return
	}
	if at > m.round.CrashPoint {
		m.endRound(false)
		return
	}

	m.publish(EventTick, TickMessage{Elapsed: elapsed.Milliseconds()})
	m.scheduleTick(elapsed)
}

// runCashOuts settles every play whose auto target qualifies at at.
func (m *Manager) runCashOuts(at int64) {
	settled := m.playing.sweep(at, m.round.CrashPoint, m.forcePoint, func(p *Play, target int64) {
		payout, err := m.settlePlay(p, target)
		if err != nil {
			return
		}
		metrics.CashOuts.WithLabelValues(metrics.KindAuto).Inc()
		m.writeCashOut(p, payout, func(error) {})
	})
	if settled > 0 {
		m.setForcePoint()
	}
}

type cashOutWrite struct {
	userID int64
	playID int64
	payout int64
}

// cashOutAll settles every open play at at, persists the cashouts with
// bounded concurrency and calls done once all writes have returned.
func (m *Manager) cashOutAll(at int64, done func(error)) {
	if m.round.State != StateInProgress {
		done(nil)
		return
	}
	m.log.Info("Cashing everyone out", "round", m.round.ID, "at", at)

	m.runCashOuts(at)
	if at > m.round.CrashPoint {
		done(nil)
		return
	}

	var writes []cashOutWrite
	for _, p := range m.playing.remaining() {
		if p.cashedOut() {
			continue
		}
		payout, err := m.settlePlay(p, at)
		if err != nil {
			continue
		}
		metrics.CashOuts.WithLabelValues(metrics.KindForced).Inc()
		writes = append(writes, cashOutWrite{userID: p.User.ID, playID: p.PlayID, payout: payout})
	}
	m.setForcePoint()

	m.forcing = true
	workers := m.cfg.ForceSettleWorkers
	go func() {
		var g errgroup.Group
		g.SetLimit(workers)
		for _, w := range writes {
			g.Go(func() error {
				if err := m.ledger.CashOut(m.ledgerCtx, w.userID, w.playID, w.payout); err != nil {
					return fmt.Errorf("play %d: %w", w.playID, err)
				}
				return nil
			})
		}
		err := g.Wait()
		m.complete(func() {
			m.forcing = false
			if err != nil {
				m.log.Error("Failed to persist forced cashouts", "round", m.round.ID, "error", err)
			}
			done(err)
		})
	}()
}

func (m *Manager) endRound(forced bool) {
	crashTime := time.Now()
	roundID := m.round.ID
	crashPoint := m.round.CrashPoint

	if crashPoint != 0 && crashPoint < 100 {
		m.violation(invariant("endRound", "round %d has crash point %d", roundID, crashPoint))
	}

	plays := make([]*Play, 0, len(m.players))
	for _, p := range m.players {
		plays = append(plays, p)
	}
	sort.Slice(plays, func(i, j int) bool { return plays[i].PlayID < plays[j].PlayID })

	var bonuses []Bonus
	if crashPoint != 0 {
		var err error
		bonuses, err = AllocateBonuses(plays)
		if err != nil {
			m.violation(invariant("endRound", "bonus allocation: %v", err))
			bonuses = nil
		}

		var givenOut int64
		for _, p := range plays {
			givenOut += int64(math.Round(float64(p.Bet) * BonusRate))
			if p.cashedOut() {
				givenOut += p.Bet * p.StoppedAt / 100
			}
		}
		m.bankroll -= givenOut
	}

	info := m.playerInfo()
	bonusMsg := make(map[string]int64, len(bonuses))
	var bonusTotal int64
	for _, b := range bonuses {
		amount := b.Amount
		bonusMsg[b.User.Username] = amount
		bonusTotal += amount
		pi := info[b.User.Username]
		pi.Bonus = &amount
		info[b.User.Username] = pi
	}

	elapsed := m.round.Duration
	if forced {
		elapsed = crashTime.Sub(m.round.StartTime)
	}

	m.lastHash = m.round.Hash
	m.round.State = StateEnded
	m.publish(EventRoundCrash, RoundCrashMessage{
		Forced:     forced,
		Elapsed:    elapsed.Milliseconds(),
		CrashPoint: crashPoint,
		Bonuses:    bonusMsg,
		Hash:       m.round.Hash,
	})
	m.history.Add(CompletedRound{
		RoundID:    roundID,
		CrashPoint: crashPoint,
		CreatedAt:  m.round.StartTime,
		Hash:       m.round.Hash,
		PlayerInfo: info,
	})

	kind := metrics.KindNatural
	if forced {
		kind = metrics.KindForced
	}
	metrics.RoundsTotal.WithLabelValues(kind).Inc()
	metrics.CrashPoint.Observe(float64(crashPoint) / 100)
	metrics.RoundRunTime.Observe(elapsed.Seconds())
	metrics.BonusPaid.Add(float64(bonusTotal))
	metrics.Bankroll.Set(float64(m.bankroll))

	m.log.Info("Round ended", "round", roundID, "crash_point", crashPoint, "forced", forced,
		"players", len(plays), "bonuses", len(bonuses))

	m.settle(settlement{roundID: roundID, bonuses: bonuses, crashTime: crashTime})
}

// settlement is a crashed round's pending EndRound write.
type settlement struct {
	roundID   int64
	bonuses   []Bonus
	crashTime time.Time
}

// settle writes the round's end and bonuses off the loop. The ledger treats
// a repeated EndRound for the same round as a no-op, so a failed write can
// be retried.
func (m *Manager) settle(s settlement) {
	m.settling = true
	m.scheduleHeartbeat(s.roundID, s.crashTime)
	go func() {
		applied, err := m.ledger.EndRound(m.ledgerCtx, s.roundID, s.bonuses)
		m.complete(func() { m.finishSettlement(s, applied, err) })
	}()
}

func (m *Manager) scheduleHeartbeat(roundID int64, crashTime time.Time) {
	schedule(&m.heartbeat, m.cfg.HeartbeatInterval, func() {
		m.log.Warn("Still waiting for round settlement", "round", roundID, "waited", time.Since(crashTime))
		m.scheduleHeartbeat(roundID, crashTime)
	})
}

func (m *Manager) finishSettlement(s settlement, applied int64, err error) {
	roundID, crashTime := s.roundID, s.crashTime
	m.settling = false
	cancelTask(&m.heartbeat)
	metrics.SettlementDuration.Observe(time.Since(crashTime).Seconds())

	m.unsettled = nil
	if err != nil {
		// Resume writes this round again before the next one opens.
		m.unsettled = &s
	} else if expected := int64(len(s.bonuses)); applied != expected {
		// The write committed; only the fault is held.
		err = invariant("endRound", "round %d applied %d bonus credits, expected %d", roundID, applied, expected)
		m.violation(err)
	}
	if err != nil {
		m.log.Error("Round settlement failed, holding", "round", roundID, "error", err)
		m.fault = err
		m.running = false
		m.notifyIdleIfQuiet()
		return
	}

	m.notifyIdleIfQuiet()
	if !m.running || m.shuttingDown {
		m.log.Info("Game paused", "round", roundID)
		return
	}
	schedule(&m.step, time.Until(crashTime.Add(m.cfg.AfterCrashTime)), m.advance)
}

// setForcePoint recomputes the force point from the running totals.
func (m *Manager) setForcePoint() {
	if !m.cfg.Production {
		openBet, totalWon := recount(m.players)
		if openBet != m.risk.openBet || totalWon != m.risk.totalWon {
			m.violation(invariant("setForcePoint", "running totals open=%d won=%d, recounted open=%d won=%d",
				m.risk.openBet, m.risk.totalWon, openBet, totalWon))
		}
	}
	m.forcePoint = ForcePoint(m.risk.maxWin, m.risk.openBet, m.risk.totalWon, BonusRate)
}

func (m *Manager) violation(err error) {
	metrics.InvariantViolations.Inc()
	m.log.Error("Invariant violated", "round", m.round.ID, "error", err)
}

func (m *Manager) publish(typ string, data any) {
	if m.pub != nil {
		m.pub.Publish(Event{Type: typ, Data: data})
	}
}
