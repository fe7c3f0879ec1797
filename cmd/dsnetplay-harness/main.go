// Command dsnetplay-harness is a headless smoke test for the lan and
// netplay packages: it hosts and joins a loopback session of each against
// an in-memory emu.Instance and reports whether the exchange came out the
// way the real wireless/lockstep layers above it would expect.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ds-emu/netcore/emu"
	"github.com/ds-emu/netcore/filelog"
	"github.com/ds-emu/netcore/internal/config"
	"github.com/ds-emu/netcore/lan"
	"github.com/ds-emu/netcore/netplay"
	"github.com/ds-emu/netcore/profile"
)

func main() {
	configPath := flag.String("config", "config/netcore.yml", "path to the harness config file")
	profilePath := flag.String("profile", "netcore_profile.sqlite", "path to the player profile database")
	flag.Parse()

	fl, err := filelog.Open("log")
	if err != nil {
		log.Fatalf("harness: open file log: %v", err)
	}
	log.SetOutput(fl)

	if err := config.Load(*configPath); err != nil {
		log.Printf("harness: no config at %s (%v), using defaults", *configPath, err)
	}

	playerName := config.String("player_name", "harness-player")
	lanPort := config.Int("lan:port", 7064)
	netplayPort := config.Int("netplay:port", netplay.DefaultPort)
	inputDelay := config.Int("netplay:input_delay", 4)

	store, err := profile.Open(*profilePath)
	if err != nil {
		log.Fatalf("harness: open profile store: %v", err)
	}
	defer store.Close()

	if p, err := store.Load(); err == nil && p.PlayerName != "" {
		log.Printf("harness: welcome back, %s (last server %s:%d)", p.PlayerName, p.LastServer, p.LastPort)
	}
	if err := store.Save(profile.Profile{PlayerName: playerName, LastServer: "127.0.0.1", LastPort: lanPort}); err != nil {
		log.Printf("harness: save profile: %v", err)
	}

	interrupted := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Print("harness: caught SIGINT/SIGTERM, shutting down")
		close(interrupted)
	}()

	zlog, _ := zap.NewDevelopment()
	defer zlog.Sync()

	lanOK := runLANSmokeTest(zlog, lanPort, playerName)
	netplayOK := runNetplaySmokeTest(zlog, netplayPort, inputDelay)

	select {
	case <-interrupted:
		os.Exit(130)
	default:
	}

	if !lanOK || !netplayOK {
		log.Print("harness: smoke test FAILED")
		os.Exit(1)
	}
	log.Print("harness: smoke test passed")
}

// runLANSmokeTest hosts and joins a loopback LAN session and sends one
// misc-type MP frame from the host to the client.
func runLANSmokeTest(zlog *zap.Logger, port int, playerName string) bool {
	host := lan.New(zlog)
	client := lan.New(zlog)

	if err := host.HostStart(playerName+"-host", 2, port); err != nil {
		log.Printf("harness: lan host start: %v", err)
		return false
	}
	defer host.EndSession()

	if err := client.ClientConnect(playerName+"-client", "127.0.0.1", port, 3000); err != nil {
		log.Printf("harness: lan client connect: %v", err)
		return false
	}
	defer client.EndSession()

	host.Begin()
	client.Begin()
	time.Sleep(50 * time.Millisecond)

	payload := []byte("hello from host")
	if err := host.SendPacket(payload, 1); err != nil {
		log.Printf("harness: lan host send: %v", err)
		return false
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, _, ok := client.RecvPacket(); ok {
			log.Printf("harness: lan client received %q", data)
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Print("harness: lan client never received host's packet")
	return false
}

// runNetplaySmokeTest hosts and joins a loopback Netplay session over two
// MockInstances, feeds identical neutral input on both sides for a handful
// of frames, and checks the resulting state hashes agree.
func runNetplaySmokeTest(zlog *zap.Logger, port, inputDelay int) bool {
	hostInst := emu.NewMockInstance()
	hostPeerInst := emu.NewMockInstance()
	clientInst := emu.NewMockInstance()
	clientPeerInst := emu.NewMockInstance()

	hostEngine := netplay.New(zlog)
	if err := hostEngine.Init([]emu.Instance{hostInst, hostPeerInst}, 0, inputDelay); err != nil {
		log.Printf("harness: netplay host init: %v", err)
		return false
	}
	defer hostEngine.DeInit()

	clientEngine := netplay.New(zlog)
	if err := clientEngine.Init([]emu.Instance{clientPeerInst, clientInst}, 1, inputDelay); err != nil {
		log.Printf("harness: netplay client init: %v", err)
		return false
	}
	defer clientEngine.DeInit()

	if err := hostEngine.HostStart(port); err != nil {
		log.Printf("harness: netplay host start: %v", err)
		return false
	}
	if err := clientEngine.ClientConnect("127.0.0.1", port, 3000); err != nil {
		log.Printf("harness: netplay client connect: %v", err)
		return false
	}

	const frames = 30
	for i := 0; i < frames; i++ {
		hostEngine.ProcessNetwork()
		clientEngine.ProcessNetwork()

		hostEngine.SetLocalInput(netplay.InputFrame{KeyMask: emu.AllReleased})
		hostEngine.SendLocalInput(netplay.InputFrame{KeyMask: emu.AllReleased})
		clientEngine.SetLocalInput(netplay.InputFrame{KeyMask: emu.AllReleased})
		clientEngine.SendLocalInput(netplay.InputFrame{KeyMask: emu.AllReleased})

		time.Sleep(2 * time.Millisecond)
		hostEngine.ProcessNetwork()
		clientEngine.ProcessNetwork()

		hostEngine.RunFrame()
		clientEngine.RunFrame()
	}

	hostHash := hostEngine.ComputeStateHash()
	clientHash := clientEngine.ComputeStateHash()
	if hostHash != clientHash {
		log.Printf("harness: netplay desync after %d frames: host=%x client=%x", frames, hostHash, clientHash)
		return false
	}
	log.Print(fmt.Sprintf("harness: netplay ran %d frames in sync (hash=%x)", frames, hostHash))
	return true
}
