package utils

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RemoteLogger fans log lines out to every TCP client connected to Port.
// It is used as an extra zap sink so a running daemon can be tailed with nc.
type RemoteLogger struct {
	Port     int
	Listener net.Listener

	mu      sync.Mutex
	clients []net.Conn
}

// NewRemoteLogger starts a TCP listener on the given port.
func NewRemoteLogger(port int) (*RemoteLogger, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	rl := &RemoteLogger{
		Port:     port,
		Listener: ln,
	}
	go rl.acceptClients()
	return rl, nil
}

func (rl *RemoteLogger) acceptClients() {
	for {
		conn, err := rl.Listener.Accept()
		if err != nil {
			return
		}
		rl.mu.Lock()
		rl.clients = append(rl.clients, conn)
		rl.mu.Unlock()
	}
}

// Write implements io.Writer; clients whose connection broke are dropped.
func (rl *RemoteLogger) Write(p []byte) (int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	alive := rl.clients[:0]
	for _, conn := range rl.clients {
		if _, err := conn.Write(p); err != nil {
			_ = conn.Close()
			continue
		}
		alive = append(alive, conn)
	}
	rl.clients = alive
	return len(p), nil
}

func (rl *RemoteLogger) Sync() error { return nil }

func (rl *RemoteLogger) Close() error {
	rl.mu.Lock()
	for _, conn := range rl.clients {
		_ = conn.Close()
	}
	rl.clients = nil
	rl.mu.Unlock()
	return rl.Listener.Close()
}

// NewLogger builds the process logger. level is a zap level name
// ("debug", "info", ...); remote may be nil.
func NewLogger(level string, development bool, remote *RemoteLogger) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevel()
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, ValidationError("invalid log level").WithDetails(level)
		}
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = lvl

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if remote == nil {
		return logger, nil
	}

	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	remoteCore := zapcore.NewCore(enc, zapcore.AddSync(remote), lvl)
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, remoteCore)
	})), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
