package power

import (
	"os"
	"os/signal"
	"sync"
	"time"
)

// SignalController converts OS signals into notices.
type SignalController struct {
	sigs    chan os.Signal
	notices chan Notice
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewSignalController listens for the given signals, or for SIGTERM
// and (where available) SIGPWR when none are given.
func NewSignalController(signals ...os.Signal) *SignalController {
	if len(signals) == 0 {
		signals = defaultSignals()
	}
	c := &SignalController{
		sigs:    make(chan os.Signal, 1),
		notices: make(chan Notice, 1),
		done:    make(chan struct{}),
	}
	signal.Notify(c.sigs, signals...)

	c.wg.Add(1)
	go c.loop()
	return c
}

func (c *SignalController) loop() {
	defer c.wg.Done()
	defer close(c.notices)
	for {
		select {
		case <-c.done:
			return
		case sig := <-c.sigs:
			n := Notice{Reason: "signal: " + sig.String(), Signal: sig, At: time.Now()}
			select {
			case c.notices <- n:
			case <-c.done:
				return
			}
		}
	}
}

func (c *SignalController) Notices() <-chan Notice { return c.notices }

// Close stops signal delivery and closes the notice channel.
func (c *SignalController) Close() error {
	c.once.Do(func() {
		signal.Stop(c.sigs)
		close(c.done)
	})
	c.wg.Wait()
	return nil
}
