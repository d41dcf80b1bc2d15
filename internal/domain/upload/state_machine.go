// Пакет upload — конечный автомат жизненного цикла одной загрузки.
//
// Штатный путь:
//
//	validating → quota_checking → deriving → persisting → accounting → done
//
// Из любого нетерминального состояния допустим переход в aborted.
// done и aborted — терминальные состояния.
//
// Tracker создаётся на каждую загрузку и используется одной горутиной,
// но защищён мьютексом, так как состояние читается из логов и метрик.
package upload

import (
	"fmt"
	"sync"
	"time"
)

// State — состояние загрузки.
type State string

const (
	StateValidating    State = "validating"
	StateQuotaChecking State = "quota_checking"
	StateDeriving      State = "deriving"
	StatePersisting    State = "persisting"
	StateAccounting    State = "accounting"
	StateDone          State = "done"
	StateAborted       State = "aborted"
)

// TransitionRecord — запись о переходе между состояниями.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// validTransitions — матрица допустимых переходов (без aborted,
// он разрешён отдельно для всех нетерминальных состояний).
var validTransitions = map[State]map[State]bool{
	StateValidating:    {StateQuotaChecking: true},
	StateQuotaChecking: {StateDeriving: true},
	StateDeriving:      {StatePersisting: true},
	StatePersisting:    {StateAccounting: true},
	StateAccounting:    {StateDone: true},
	StateDone:          {},
	StateAborted:       {},
}

// Tracker — состояние одной загрузки с историей переходов.
type Tracker struct {
	mu      sync.Mutex
	current State
	history []TransitionRecord
	now     func() time.Time
}

// NewTracker создаёт трекер в состоянии validating.
func NewTracker() *Tracker {
	return &Tracker{
		current: StateValidating,
		history: make([]TransitionRecord, 0, 6),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Current возвращает текущее состояние.
func (t *Tracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// IsTerminal возвращает true для done и aborted.
func (t *Tracker) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return isTerminal(t.current)
}

// Advance переводит загрузку в target.
// Возвращает *TransitionError, если переход недопустим.
func (t *Tracker) Advance(target State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !isValidState(target) {
		return &TransitionError{From: t.current, To: target}
	}
	if target == StateAborted {
		if isTerminal(t.current) {
			return &TransitionError{From: t.current, To: target}
		}
	} else if !validTransitions[t.current][target] {
		return &TransitionError{From: t.current, To: target}
	}

	t.history = append(t.history, TransitionRecord{
		From:      t.current,
		To:        target,
		Timestamp: t.now(),
	})
	t.current = target
	return nil
}

// Abort переводит загрузку в aborted и возвращает состояние,
// в котором она была прервана. Для терминальных состояний ничего не делает.
func (t *Tracker) Abort() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.current
	if isTerminal(from) {
		return from
	}
	t.history = append(t.history, TransitionRecord{
		From:      from,
		To:        StateAborted,
		Timestamp: t.now(),
	})
	t.current = StateAborted
	return from
}

// History возвращает историю переходов (копия).
func (t *Tracker) History() []TransitionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]TransitionRecord, len(t.history))
	copy(result, t.history)
	return result
}

// TransitionError — недопустимый переход между состояниями загрузки.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("переход загрузки %s → %s недопустим", e.From, e.To)
}

func isTerminal(s State) bool {
	return s == StateDone || s == StateAborted
}

func isValidState(s State) bool {
	switch s {
	case StateValidating, StateQuotaChecking, StateDeriving, StatePersisting,
		StateAccounting, StateDone, StateAborted:
		return true
	default:
		return false
	}
}
