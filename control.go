package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// controlTarget is what the control socket can drive. *server.Server implements it.
type controlTarget interface {
	GetStats() string
	Shutdown(reason string, completionTime time.Time)
}

type controlSocket struct {
	path     string
	listener net.Listener
	target   controlTarget
	log      *zap.Logger
}

// startControlSocket listens for one-line management commands:
//
//	stats
//	shutdown|reason|completion-time
func startControlSocket(path string, target controlTarget, log *zap.Logger) (*controlSocket, error) {
	if path == "" {
		return nil, errors.New("no control socket path")
	}
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	cs := &controlSocket{path: path, listener: listener, target: target, log: log}
	log.Info("control_socket_listening", zap.String("path", path))
	go cs.acceptLoop()
	return cs, nil
}

func (cs *controlSocket) acceptLoop() {
	for {
		conn, err := cs.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go cs.handle(conn)
	}
}

func (cs *controlSocket) Close() error {
	err := cs.listener.Close()
	os.Remove(cs.path)
	return err
}

func (cs *controlSocket) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + cs.target.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		var completionTime time.Time
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			completionTime, _ = time.Parse(time.RFC3339, parts[2])
		}
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		cs.log.Info("shutdown_requested", zap.String("reason", reason), zap.Time("completion", completionTime))
		cs.target.Shutdown(reason, completionTime)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// sendControlCommand writes one command line to a running server and returns
// the payload of its reply.
func sendControlCommand(path, line string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	status, payload, _ := strings.Cut(strings.TrimSpace(reply), "|")
	if status != "OK" {
		return "", errors.New(payload)
	}
	return payload, nil
}
