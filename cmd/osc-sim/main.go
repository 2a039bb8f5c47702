// Command osc-sim plays the OSC tracker source: every tick it sends one
// rotation message per tracker, head first and the highest id last.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/banshee-data/slime.bridge/internal/oscbridge"
)

var (
	host     = flag.String("host", "127.0.0.1", "Bridge OSC host")
	port     = flag.Int("port", 12345, "Bridge OSC port")
	trackers = flag.Int("trackers", 5, "Number of body trackers (ids 1..n) after the head")
	rate     = flag.Int("rate", 90, "Batches per second")
	position = flag.Bool("position", false, "Also send a position message per tracker")
	bundle   = flag.Bool("bundle", false, "Send each batch as one OSC bundle")
)

// batch builds one frame of tracker messages at time t (seconds). Each
// tracker spins about a different axis so the output is easy to tell apart.
func batch(n int, t float64, withPosition bool) []*osc.Message {
	msgs := make([]*osc.Message, 0, (n+1)*2)
	for id := 0; id <= n; id++ {
		segment := oscbridge.HeadSegment
		if id > 0 {
			segment = strconv.Itoa(id)
		}
		addr := oscbridge.AddressPrefix + segment + "/"
		angle := float32(math.Mod(t*45*float64(id+1), 360))
		var x, y, z float32
		switch id % 3 {
		case 0:
			y = angle
		case 1:
			x = angle
		default:
			z = angle
		}
		if withPosition {
			msgs = append(msgs, osc.NewMessage(addr+"position", float32(0), float32(1.6)-0.2*float32(id), float32(0)))
		}
		msgs = append(msgs, osc.NewMessage(addr+"rotation", x, y, z))
	}
	return msgs
}

func main() {
	flag.Parse()
	if *rate <= 0 {
		log.Fatal("rate must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := osc.NewClient(*host, *port)
	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	log.Printf("sending %d trackers to %s:%d at %d batches/s", *trackers+1, *host, *port, *rate)
	start := time.Now()
	sent := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("sent %d batches", sent)
			return
		case now := <-ticker.C:
			msgs := batch(*trackers, now.Sub(start).Seconds(), *position)
			if *bundle {
				b := osc.NewBundle(now)
				for _, m := range msgs {
					if err := b.Append(m); err != nil {
						log.Fatalf("failed to build bundle: %v", err)
					}
				}
				if err := client.Send(b); err != nil {
					log.Printf("send error: %v", err)
				}
			} else {
				for _, m := range msgs {
					if err := client.Send(m); err != nil {
						log.Printf("send error: %v", err)
					}
				}
			}
			sent++
		}
	}
}
