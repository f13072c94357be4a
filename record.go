package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"node.town/scribe/hub"
	"node.town/scribe/session"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Transcribe in the terminal until interrupted",
	Run:   runRecord,
}

var (
	partialStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	finalStyle   = lipgloss.NewStyle().Bold(true)
	seqStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff8800"))
)

func runRecord(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(ctx)
	defer a.close()

	var subs <-chan *hub.Subscription
	a.onTransition, subs = subscribeOnActive(a.hub)

	s, err := a.coord.Start(ctx)
	if err != nil {
		a.logs.main.Fatal("start session", "error", err)
	}

	printed := make(chan struct{})
	sub := <-subs
	go func() {
		defer close(printed)
		for {
			seg, ok := sub.Next(context.Background())
			if !ok {
				return
			}
			printSegment(seg)
		}
	}()

	select {
	case <-ctx.Done():
		a.logs.main.Info("interrupted, stopping")
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		if _, err := a.coord.Stop(stopCtx); err != nil {
			a.logs.main.Error("stop session", "error", err)
		}
	case <-s.Done():
	}

	<-printed
	fmt.Println()
	fmt.Println(finalStyle.Render(a.hub.Transcript()))

	if err := s.Err(); err != nil {
		a.logs.main.Fatal("session ended with an error", "session", s.ID(), "error", err)
	}
}

// subscribeOnActive returns a transition hook that subscribes to h as soon
// as a session turns Active. The hook runs before the session can publish,
// so the subscription sees every segment.
func subscribeOnActive(h *hub.Hub) (func(string, session.State, session.State), <-chan *hub.Subscription) {
	subs := make(chan *hub.Subscription, 1)
	var once sync.Once
	hook := func(id string, from, to session.State) {
		if to == session.Active {
			once.Do(func() { subs <- h.Subscribe() })
		}
	}
	return hook, subs
}

func printSegment(seg hub.Segment) {
	seq := seqStyle.Render(fmt.Sprintf("%4d", seg.Sequence))
	if seg.IsFinal {
		fmt.Printf("\r\033[K%s %s\n", seq, finalStyle.Render(seg.Text))
		return
	}
	fmt.Printf("\r\033[K%s %s", seq, partialStyle.Render(seg.Text))
}
