// Package marketstatus classifies each market's trading session from its
// configured calendar, optionally merged with a provider-reported state.
package marketstatus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/ports"
)

// State is the trading-session state of a market.
type State string

const (
	StatePreMarket  State = "pre_market"
	StateTrading    State = "trading"
	StateLunchBreak State = "lunch_break"
	StateAfterHours State = "after_hours"
	StateClosed     State = "closed"
	StateWeekend    State = "weekend"
	StateHoliday    State = "holiday"
)

// Open reports whether the state counts as an open market for cache TTL
// purposes.
func (s State) Open() bool {
	return s == StateTrading || s == StatePreMarket || s == StateAfterHours
}

// Mode selects the TTL recommendation table.
type Mode string

const (
	ModeRealtime   Mode = "REALTIME"
	ModeAnalytical Mode = "ANALYTICAL"
)

// Result is the classified status of one market.
type Result struct {
	Market           string     `json:"market"`
	State            State      `json:"state"`
	CurrentSession   string     `json:"current_session,omitempty"`
	NextSessionStart *time.Time `json:"next_session_start,omitempty"`
	Confidence       float64    `json:"confidence"`
}

// Service computes market status with a small per-market result cache.
type Service struct {
	schedules map[string]config.MarketSchedule
	clock     ports.Clock
	provider  ports.ProviderAdapter // optional upstream status source

	mu    sync.Mutex
	cache map[string]cachedResult
}

type cachedResult struct {
	result  *Result
	expires time.Time
}

// New builds the service. provider may be nil.
func New(schedules map[string]config.MarketSchedule, clock ports.Clock, provider ports.ProviderAdapter) *Service {
	if clock == nil {
		clock = ports.RealClock{}
	}
	return &Service{
		schedules: schedules,
		clock:     clock,
		provider:  provider,
		cache:     make(map[string]cachedResult),
	}
}

// Status returns the market's current status. Results are cached for one
// minute during trading and ten minutes otherwise.
func (s *Service) Status(ctx context.Context, market string) (*Result, error) {
	now := s.clock.Now()
	s.mu.Lock()
	if c, ok := s.cache[market]; ok && now.Before(c.expires) {
		s.mu.Unlock()
		return c.result, nil
	}
	s.mu.Unlock()

	res, err := s.classify(market, now)
	if err != nil {
		return nil, err
	}
	s.mergeProvider(ctx, res)

	ttl := 10 * time.Minute
	if res.State == StateTrading {
		ttl = time.Minute
	}
	s.mu.Lock()
	s.cache[market] = cachedResult{result: res, expires: now.Add(ttl)}
	s.mu.Unlock()
	return res, nil
}

func (s *Service) classify(market string, now time.Time) (*Result, error) {
	sched, ok := s.schedules[market]
	if !ok {
		return nil, fmt.Errorf("unknown market %q", market)
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market %s timezone: %w", market, err)
	}
	local := now.In(loc)
	res := &Result{Market: market, Confidence: 1.0}

	if !tradingDay(sched, local.Weekday()) {
		if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
			res.State = StateWeekend
		} else {
			res.State = StateHoliday
		}
		res.NextSessionStart = s.nextSessionStart(sched, loc, local)
		return res, nil
	}

	minute := local.Hour()*60 + local.Minute()
	if sched.PreMarket != nil && within(minute, *sched.PreMarket) {
		res.State = StatePreMarket
		res.CurrentSession = "pre_market"
		return res, nil
	}
	for i, sess := range sched.Sessions {
		if within(minute, sess) {
			res.State = StateTrading
			res.CurrentSession = fmt.Sprintf("session_%d", i+1)
			return res, nil
		}
	}
	// Between two regular sessions is the lunch break.
	if len(sched.Sessions) >= 2 {
		if minute >= minuteOf(sched.Sessions[0].Close) && minute < minuteOf(sched.Sessions[1].Open) {
			res.State = StateLunchBreak
			res.CurrentSession = "lunch_break"
			return res, nil
		}
	}
	if sched.AfterHours != nil && within(minute, *sched.AfterHours) {
		res.State = StateAfterHours
		res.CurrentSession = "after_hours"
		return res, nil
	}
	res.State = StateClosed
	res.NextSessionStart = s.nextSessionStart(sched, loc, local)
	return res, nil
}

// mergeProvider consults the upstream-reported status when available. The
// provider wins on disagreement, at reduced confidence.
func (s *Service) mergeProvider(ctx context.Context, res *Result) {
	if s.provider == nil {
		return
	}
	reported, err := s.provider.ReportedMarketStatus(ctx, res.Market)
	if err != nil || reported == "" {
		return
	}
	if State(reported) != res.State {
		log.Debug().
			Str("market", res.Market).
			Str("computed", string(res.State)).
			Str("provider", reported).
			Msg("market status disagreement, provider wins")
		res.State = State(reported)
		res.Confidence = 0.6
	}
}

func (s *Service) nextSessionStart(sched config.MarketSchedule, loc *time.Location, local time.Time) *time.Time {
	for day := 0; day <= 7; day++ {
		candidate := local.AddDate(0, 0, day)
		if !tradingDay(sched, candidate.Weekday()) {
			continue
		}
		open := firstOpenMinute(sched)
		if day == 0 && local.Hour()*60+local.Minute() >= open {
			continue
		}
		t := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), open/60, open%60, 0, 0, loc)
		return &t
	}
	return nil
}

func tradingDay(sched config.MarketSchedule, day time.Weekday) bool {
	for _, d := range sched.TradingDays {
		if time.Weekday(d) == day {
			return true
		}
	}
	return false
}

func firstOpenMinute(sched config.MarketSchedule) int {
	if len(sched.Sessions) > 0 {
		return minuteOf(sched.Sessions[0].Open)
	}
	return 0
}

func within(minute int, sess config.Session) bool {
	return minute >= minuteOf(sess.Open) && minute < minuteOf(sess.Close)
}

func minuteOf(hhmm string) int {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	return h*60 + m
}

// ttlTable maps (mode, open?) to a recommended cache TTL.
var ttlTable = map[Mode]map[bool]time.Duration{
	ModeRealtime:   {true: 5 * time.Second, false: 5 * time.Minute},
	ModeAnalytical: {true: time.Minute, false: 30 * time.Minute},
}

// RecommendTTL returns the cache TTL for a mode and state from the static
// table.
func RecommendTTL(mode Mode, state State) time.Duration {
	table, ok := ttlTable[mode]
	if !ok {
		table = ttlTable[ModeRealtime]
	}
	return table[state.Open()]
}
