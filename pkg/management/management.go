// Package management exposes a line-oriented control socket for the gNB
// daemon. Each response is terminated by a line holding a single ".";
// response lines that start with "." are dot-stuffed.
package management

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gnb-go/pkg/appdir"
	"gnb-go/pkg/log"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
)

const (
	defaultSocketDir = "/run/gnb-go"

	pongString     = "OK: pong"
	okAuthString   = "OK: authenticated"
	nokAuthString  = "NOK: authentication failed"
	byeString      = "OK: Bye!"
	endOfMessage   = "."
	defaultLogTail = 20
	maxConns       = 16
)

// GetDefaultSocketPath returns /run/gnb-go/<app>.sock for root and a path in
// the application directory otherwise.
func GetDefaultSocketPath(app string) string {
	if os.Geteuid() == 0 {
		return filepath.Join(defaultSocketDir, app+".sock")
	}
	return appdir.Path(app + ".sock")
}

// CommandHandler receives the command arguments and returns the response.
type CommandHandler func(args []string) (string, error)

type CommandInfo struct {
	Handler     CommandHandler
	Description string
}

// ManagementServer serves commands on a Unix socket.
type ManagementServer struct {
	socketPath string
	listener   net.Listener
	mu         sync.RWMutex
	handlers   map[string]CommandInfo
	quit       chan struct{}
	wg         sync.WaitGroup
	connMu     sync.Mutex
	conns      map[net.Conn]struct{}
	startTime  time.Time
	password   string
	logger     zerolog.Logger

	// authFailDelay slows down password guessing.
	authFailDelay time.Duration
}

func NewManagementServer(socketPath string, password string) *ManagementServer {
	s := &ManagementServer{
		socketPath:    socketPath,
		handlers:      make(map[string]CommandInfo),
		conns:         make(map[net.Conn]struct{}),
		startTime:     time.Now(),
		password:      password,
		logger:        log.Component("MGMT"),
		authFailDelay: 2 * time.Second,
	}
	s.RegisterHandler("status", "Show daemon status and uptime", s.handleStatusCommand)
	s.RegisterHandler("ping", "Check that the management interface is responsive", s.handlePingCommand)
	s.RegisterHandler("logs", "Show the last log lines. Usage: logs [pretty] [n]", s.handleLogsCommand)
	s.RegisterHandler("help", "Show help for commands. Usage: help [command]", s.handleHelpCommand)
	return s
}

func (s *ManagementServer) SocketPath() string { return s.socketPath }

// RegisterHandler adds or replaces a command. Commands are case-insensitive.
func (s *ManagementServer) RegisterHandler(command, description string, handler CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := strings.ToLower(command)
	if _, exists := s.handlers[cmd]; exists {
		s.logger.Warn().Str("command", cmd).Msg("overwriting management handler")
	}
	s.handlers[cmd] = CommandInfo{Handler: handler, Description: description}
}

// Start listens on the socket, replacing a stale socket file.
func (s *ManagementServer) Start() error {
	s.quit = make(chan struct{})

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if _, err := os.Stat(s.socketPath); err == nil {
		s.logger.Info().Str("path", s.socketPath).Msg("removing existing socket file")
		if err := os.Remove(s.socketPath); err != nil {
			s.logger.Warn().Err(err).Msg("failed to remove existing socket file")
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	s.listener = netutil.LimitListener(listener, maxConns)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.logger.Warn().Err(err).Msg("could not set socket permissions")
	}

	s.logger.Info().Str("path", s.socketPath).Msg("management server listening")
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for connections to finish and removes the
// socket file.
func (s *ManagementServer) Stop() {
	if s.listener == nil {
		return
	}
	close(s.quit)
	s.listener.Close()
	s.connMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	s.listener = nil

	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error().Err(err).Str("path", s.socketPath).Msg("failed to remove socket file")
	}
	s.logger.Info().Msg("management server stopped")
}

func (s *ManagementServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *ManagementServer) authenticate(conn net.Conn, reader *bufio.Reader, writer *bufio.Writer) bool {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	clientPass, err := reader.ReadString('\n')
	conn.SetReadDeadline(time.Time{})

	if err != nil || strings.TrimSpace(clientPass) != s.password {
		s.logger.Warn().Err(err).Msg("management authentication failed")
		writeMessage(writer, nokAuthString)
		writer.Flush()
		time.Sleep(s.authFailDelay)
		return false
	}
	writeMessage(writer, okAuthString)
	return writer.Flush() == nil
}

func (s *ManagementServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	if s.password != "" && !s.authenticate(conn, reader, writer) {
		return
	}
	s.logger.Debug().Msg("management client connected")

	for {
		select {
		case <-s.quit:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		cmdLine, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				writeMessage(writer, "Error: read timeout")
				writer.Flush()
			} else if !errors.Is(err, io.EOF) {
				s.logger.Warn().Err(err).Msg("failed to read management command")
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		cmdLine = strings.TrimSpace(cmdLine)
		if cmdLine == "" {
			continue
		}
		if cmdLine == "quit" {
			writeMessage(writer, byeString)
			writer.Flush()
			return
		}

		writeMessage(writer, s.dispatch(cmdLine))
		if err := writer.Flush(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to write management response")
			return
		}
	}
}

func (s *ManagementServer) dispatch(cmdLine string) string {
	parts := strings.Fields(cmdLine)
	command := strings.ToLower(parts[0])

	s.mu.RLock()
	info, ok := s.handlers[command]
	s.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Error: Unknown command '%s'. Try 'help'.", command)
	}

	resp, err := info.Handler(parts[1:])
	if err != nil {
		s.logger.Warn().Str("command", command).Err(err).Msg("management handler failed")
		return fmt.Sprintf("Error: %s: %v", command, err)
	}
	return resp
}

// writeMessage writes msg followed by the terminator line.
func writeMessage(w *bufio.Writer, msg string) {
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		if strings.HasPrefix(line, endOfMessage) {
			w.WriteString(endOfMessage)
		}
		w.WriteString(line)
		w.WriteByte('\n')
	}
	w.WriteString(endOfMessage + "\n")
}

// recvMessage reads one terminated message.
func recvMessage(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return b.String(), err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == endOfMessage {
			return strings.TrimRight(b.String(), "\n"), nil
		}
		line = strings.TrimPrefix(line, endOfMessage)
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

func (s *ManagementServer) handleStatusCommand(args []string) (string, error) {
	uptime := time.Since(s.startTime).Round(time.Second)
	return fmt.Sprintf("OK: Daemon running. Uptime: %s", uptime), nil
}

func (s *ManagementServer) handlePingCommand(args []string) (string, error) {
	return pongString, nil
}

func (s *ManagementServer) handleLogsCommand(args []string) (string, error) {
	pretty := false
	n := defaultLogTail
	for _, a := range args {
		if a == "pretty" {
			pretty = true
			continue
		}
		if _, err := fmt.Sscanf(a, "%d", &n); err != nil || n <= 0 {
			return "", fmt.Errorf("invalid line count %q", a)
		}
	}

	entries, err := log.GetLastNLogs(n)
	if err != nil {
		return "", err
	}
	var raw bytes.Buffer
	for _, e := range entries {
		raw.WriteString(strings.TrimRight(e.LogData, "\n"))
		raw.WriteByte('\n')
	}
	if !pretty {
		return raw.String(), nil
	}

	var out bytes.Buffer
	cw := zerolog.ConsoleWriter{Out: &out, TimeFormat: time.RFC3339, NoColor: true}
	scanner := bufio.NewScanner(&raw)
	for scanner.Scan() {
		if _, err := cw.Write(scanner.Bytes()); err != nil {
			out.Write(scanner.Bytes())
			out.WriteByte('\n')
		}
	}
	return out.String(), scanner.Err()
}

func (s *ManagementServer) handleHelpCommand(args []string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	if len(args) > 0 {
		name := strings.ToLower(args[0])
		info, ok := s.handlers[name]
		if !ok {
			return fmt.Sprintf("Error: Unknown command '%s'. Try 'help' for a list.", name), nil
		}
		fmt.Fprintf(&b, "OK: Help for '%s':\n  %s", name, info.Description)
		return b.String(), nil
	}

	cmds := make([]string, 0, len(s.handlers)+1)
	for cmd := range s.handlers {
		cmds = append(cmds, cmd)
	}
	cmds = append(cmds, "quit")
	sort.Strings(cmds)
	maxLen := 0
	for _, cmd := range cmds {
		maxLen = max(maxLen, len(cmd))
	}

	b.WriteString("OK: Available commands:\n")
	for _, cmd := range cmds {
		desc := "Close the connection"
		if info, ok := s.handlers[cmd]; ok {
			desc = info.Description
		}
		fmt.Fprintf(&b, "  %-*s  %s\n", maxLen, cmd, desc)
	}
	b.WriteString("\nUse 'help <command>' for more details on a specific command.")
	return b.String(), nil
}
