package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/webdunesurfer/lesocket/pkg/client"
	"github.com/webdunesurfer/lesocket/pkg/config"
	"github.com/webdunesurfer/lesocket/pkg/protocol"
	"github.com/webdunesurfer/lesocket/pkg/transport"
)

var (
	target   = flag.String("addr", "", "Server address (e.g. 1.2.3.4:12345)")
	kind     = flag.String("transport", "tcp", "Transport: tcp, quic or ws")
	useTLS   = flag.Bool("tls", false, "Use TLS over tcp")
	secret   = flag.String("secret", "", "QUIC obfuscation secret")
	login    = flag.String("login", "probe", "Login used for the handshake test")
	password = flag.String("password", "probe", "Password used for the handshake test")
	wait     = flag.Duration("wait", 5*time.Second, "How long to wait for each reply")
)

func logDiag(msg string) {
	fmt.Printf("[%s] [PROBE] %s\n", time.Now().Format("15:04:05"), msg)
}

// inbox forwards everything the server sends to a channel.
type inbox struct {
	msgs   chan *protocol.Message
	closed chan error
}

func (b *inbox) OnReceive(ch transport.Channel, msg *protocol.Message) {
	select {
	case b.msgs <- msg:
	default:
	}
}

func (b *inbox) OnClosed(ch transport.Channel, err error) {
	select {
	case b.closed <- err:
	default:
	}
}

func testDial(cfg *config.Client, box *inbox) transport.Channel {
	logDiag(fmt.Sprintf("--- TEST A: Transport Dial (%s) ---", cfg.Transport.Kind))
	opts, err := cfg.Transport.Options(zap.NewNop())
	if err != nil {
		logDiag(fmt.Sprintf("Options FAILED: %v", err))
		return nil
	}
	dialer, err := client.NewDialer(cfg, opts)
	if err != nil {
		logDiag(fmt.Sprintf("Dialer FAILED: %v", err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	start := time.Now()
	ch, err := dialer.Dial(ctx, cfg.ServerAddr, box)
	if err != nil {
		logDiag(fmt.Sprintf("Dial FAILED: %v", err))
		return nil
	}
	logDiag(fmt.Sprintf("Dial SUCCESS in %v (remote %s)", time.Since(start), ch.RemoteAddr()))
	return ch
}

func testLogin(ch transport.Channel, box *inbox) bool {
	logDiag(fmt.Sprintf("--- TEST B: Login Handshake (login: %s) ---", *login))
	req := protocol.NewLoginRequest(*login, *password)
	start := time.Now()
	if err := ch.Send(req); err != nil {
		logDiag(fmt.Sprintf("Send FAILED: %v", err))
		return false
	}

	timer := time.NewTimer(*wait)
	defer timer.Stop()
	for {
		select {
		case msg := <-box.msgs:
			if msg.Kind() != protocol.MessageTypeLoginResponse {
				logDiag(fmt.Sprintf("Ignoring %s while waiting for login", msg))
				continue
			}
			if msg.CorrelationID != req.CorrelationID {
				logDiag(fmt.Sprintf("Login FAILED: response id %s does not match request %s", msg.CorrelationID, req.CorrelationID))
				return false
			}
			result := msg.LoginResponse.Result
			logDiag(fmt.Sprintf("Login %s in %v", result, time.Since(start)))
			return result == protocol.LoginResultSuccess
		case err := <-box.closed:
			logDiag(fmt.Sprintf("Login FAILED: connection closed: %v", err))
			return false
		case <-timer.C:
			logDiag("Login FAILED: no response")
			return false
		}
	}
}

func testUpdate(box *inbox) {
	logDiag("--- TEST C: Data Update ---")
	start := time.Now()
	timer := time.NewTimer(*wait)
	defer timer.Stop()
	for {
		select {
		case msg := <-box.msgs:
			if msg.Kind() != protocol.MessageTypeDataUpdate {
				continue
			}
			logDiag(fmt.Sprintf("Update SUCCESS: %q after %v", msg.DataUpdate.Label, time.Since(start)))
			return
		case err := <-box.closed:
			logDiag(fmt.Sprintf("Update FAILED: connection closed: %v", err))
			return
		case <-timer.C:
			logDiag("Update FAILED: nothing received")
			return
		}
	}
}

func main() {
	flag.Parse()
	if *target == "" {
		fmt.Println("Usage: probe -addr <ip:port> [-transport tcp|quic|ws]")
		os.Exit(1)
	}

	cfg := &config.Client{
		ServerAddr: *target,
		Transport: config.Transport{
			Kind:            *kind,
			TLS:             *useTLS,
			ObfuscateSecret: *secret,
		},
	}
	box := &inbox{msgs: make(chan *protocol.Message, 16), closed: make(chan error, 1)}

	ch := testDial(cfg, box)
	if ch == nil {
		os.Exit(1)
	}
	defer ch.Close()

	time.Sleep(100 * time.Millisecond)
	if !testLogin(ch, box) {
		os.Exit(1)
	}
	time.Sleep(100 * time.Millisecond)
	testUpdate(box)
}
