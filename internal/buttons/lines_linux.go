//go:build linux

package buttons

import (
	"fmt"
	"io"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// openLines requests the button lines as pulled-up inputs and reports
// falling edges, which is a press for a button wired to ground.
func openLines(cfg Config, offsets []int, onPress func(offset int, at time.Duration)) (io.Closer, error) {
	chip, err := gpiocdev.NewChip(cfg.Chip, gpiocdev.WithConsumer("boussoled-buttons"))
	if err != nil {
		return nil, fmt.Errorf("buttons: open %s: %w", cfg.Chip, err)
	}
	lines, err := chip.RequestLines(offsets,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithDebounce(cfg.Debounce),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			if evt.Type == gpiocdev.LineEventFallingEdge {
				onPress(evt.Offset, evt.Timestamp)
			}
		}),
	)
	if err != nil {
		_ = chip.Close()
		return nil, fmt.Errorf("buttons: request lines %v on %s: %w", offsets, cfg.Chip, err)
	}
	return &gpioLines{chip: chip, lines: lines}, nil
}

type gpioLines struct {
	chip  *gpiocdev.Chip
	lines *gpiocdev.Lines
}

func (g *gpioLines) Close() error {
	if g == nil {
		return nil
	}
	var err error
	if g.lines != nil {
		err = g.lines.Close()
		g.lines = nil
	}
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
