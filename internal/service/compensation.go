// compensation.go — стек компенсирующих действий для многошаговых записей.
package service

import (
	"log/slog"
)

// compensation — стек отмены. Каждая успешная запись добавляет шаг,
// при ошибке шаги выполняются в обратном порядке.
type compensation struct {
	steps []compensationStep
}

type compensationStep struct {
	name string
	undo func() error
}

// push добавляет шаг отмены.
func (c *compensation) push(name string, undo func() error) {
	c.steps = append(c.steps, compensationStep{name: name, undo: undo})
}

// unwind выполняет все шаги от последнего к первому и очищает стек.
// Ошибка шага логируется, остальные шаги всё равно выполняются.
// Возвращает количество неудачных шагов.
func (c *compensation) unwind(logger *slog.Logger) int {
	failed := 0
	for i := len(c.steps) - 1; i >= 0; i-- {
		step := c.steps[i]
		if err := step.undo(); err != nil {
			failed++
			logger.Error("Ошибка компенсации",
				slog.String("step", step.name),
				slog.String("error", err.Error()),
			)
		}
	}
	c.steps = nil
	return failed
}

// size возвращает количество накопленных шагов.
func (c *compensation) size() int {
	return len(c.steps)
}
