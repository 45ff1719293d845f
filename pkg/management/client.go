package management

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	connectTimeout   = 1 * time.Second
	readWriteTimeout = 8 * time.Second
	authTimeout      = 3 * time.Second
)

var ErrAuthFailed = errors.New("management: authentication failed")

type ManagementClient struct {
	socketPath string
	password   string
}

func NewManagementClient(socketPath string, password string) *ManagementClient {
	return &ManagementClient{socketPath: socketPath, password: password}
}

func (c *ManagementClient) IsManagementServerStarted() bool {
	res, err := c.SendCommand("ping")
	return err == nil && res == pongString
}

// SendCommand runs one command on a fresh connection. An empty command asks
// for help.
func (c *ManagementClient) SendCommand(command string) (string, error) {
	if command == "" {
		command = "help"
	}

	conn, err := net.DialTimeout("unix", c.socketPath, connectTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to connect to daemon socket %s (is the daemon running?): %w", c.socketPath, err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	if c.password != "" {
		if err := conn.SetDeadline(time.Now().Add(authTimeout)); err != nil {
			return "", err
		}
		if _, err := fmt.Fprintf(conn, "%s\n", c.password); err != nil {
			return "", fmt.Errorf("failed to send password: %w", err)
		}
		resp, err := recvMessage(reader)
		if err != nil {
			return "", fmt.Errorf("failed to read auth response: %w", err)
		}
		if resp != okAuthString {
			return "", fmt.Errorf("%w: %s", ErrAuthFailed, resp)
		}
	}

	if err := conn.SetDeadline(time.Now().Add(readWriteTimeout)); err != nil {
		return "", err
	}
	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}
	resp, err := recvMessage(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp == nokAuthString {
		return "", ErrAuthFailed
	}
	fmt.Fprintln(conn, "quit")
	return strings.TrimSpace(resp), nil
}
