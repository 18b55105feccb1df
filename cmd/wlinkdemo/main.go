// Command wlinkdemo exercises a full host/client session over two in-process
// LoopbackBus endpoints, for development and smoke-testing without real adapter
// hardware. Every transfer on a LoopbackBus blocks until its peer answers, so the host
// and client sides run on their own goroutines exactly as two independent adapters would.
package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wlinkdrv/wlink"
)

func main() {
	log.SetLevel(log.InfoLevel)

	hostBus, clientBus := wlink.NewLoopbackPair()
	hostGPIO, clientGPIO := wlink.NewFakeGPIO(), wlink.NewFakeGPIO()
	tb := wlink.NewFakeTimebase()

	metrics := wlink.NewMetrics(nil)
	host := wlink.NewDriver(hostBus, hostGPIO, tb, metrics)
	client := wlink.NewDriver(clientBus, clientGPIO, tb, metrics)

	cfg := wlink.NewConfig()

	hostReady := make(chan uint16, 1)
	errc := make(chan error, 2)

	go func() {
		if err := host.Activate(cfg); err != nil {
			errc <- fmt.Errorf("host activate: %w", err)
			return
		}
		if err := host.Serve("demo-game", "host"); err != nil {
			errc <- fmt.Errorf("serve: %w", err)
			return
		}
		hostReady <- 0
		runVBlankLoop(host)
	}()

	go func() {
		if err := client.Activate(cfg); err != nil {
			errc <- fmt.Errorf("client activate: %w", err)
			return
		}
		<-hostReady

		servers, err := client.GetServers(nil)
		if err != nil {
			errc <- fmt.Errorf("get servers: %w", err)
			return
		}
		fmt.Printf("found %d server(s)\n", len(servers))
		if len(servers) == 0 {
			errc <- nil
			return
		}

		if err := client.Connect(servers[0].Id); err != nil {
			errc <- fmt.Errorf("connect: %w", err)
			return
		}
		for {
			done, err := client.KeepConnecting()
			if err != nil {
				errc <- fmt.Errorf("keep connecting: %w", err)
				return
			}
			if done {
				break
			}
			time.Sleep(time.Millisecond)
		}

		if err := client.Send([]uint32{0xC0FFEE}, -1); err != nil {
			errc <- fmt.Errorf("send: %w", err)
			return
		}
		runVBlankLoop(client)
		errc <- nil
	}()

	if err := <-errc; err != nil {
		log.Fatal(err)
	}

	for _, m := range host.Receive() {
		fmt.Printf("host got message from player %d: %v\n", m.PlayerId, m.Data)
	}
}

// runVBlankLoop drives a few rounds of the periodic send/receive tick, enough for the
// client's single queued message to make it to the host.
func runVBlankLoop(d *wlink.Driver) {
	for i := 0; i < 10; i++ {
		d.OnVBlank()
		d.OnTimer()
		time.Sleep(5 * time.Millisecond)
	}
}
