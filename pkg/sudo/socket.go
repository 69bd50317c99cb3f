// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build linux

package sudo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Wire framing: a 4-byte tag, a length-prefixed error string, a
// length-prefixed payload blob. Requests carry an empty error string;
// replies carry the error string of a failed operation (empty on success)
// and a payload that echoes the operation name.
const (
	tagRequest = "RQST"
	tagReply   = "RPLY"

	// maxMessageBytes bounds a single datagram on the socketpair.
	maxMessageBytes = 64 * 1024
)

// message is the payload blob, YAML-encoded.
type message struct {
	Op   string `yaml:"op"`
	Path string `yaml:"path,omitempty"`
	UID  int    `yaml:"uid,omitempty"`
	GID  int    `yaml:"gid,omitempty"`
	Mode uint32 `yaml:"mode,omitempty"`
}

const (
	opRemoveRecursive = "removeRecursive"
	opSetOwner        = "setOwnerAndPermissionsRecursive"
	opStopServer      = "stopServer"
)

// NewSocketPair creates the connected socket pair used between the installer
// process and the privileged helper. The first descriptor belongs to the
// client, the second to the server (typically inherited across fork/exec).
func NewSocketPair() (clientFD, serverFD int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("socketpair: %w", err)
	}
	return fds[0], fds[1], nil
}

// SocketClient forwards privileged operations over a socketpair to a helper
// process running Server. A single mutex serializes in-flight requests.
type SocketClient struct {
	mu sync.Mutex
	fd int
}

// NewSocketClient wraps the client end of a socket pair.
func NewSocketClient(fd int) *SocketClient {
	return &SocketClient{fd: fd}
}

// RemoveRecursive implements Client.
func (c *SocketClient) RemoveRecursive(path string) error {
	return c.call(message{Op: opRemoveRecursive, Path: path})
}

// SetOwnerAndPermissionsRecursive implements Client.
func (c *SocketClient) SetOwnerAndPermissionsRecursive(path string, uid, gid int, mode os.FileMode) error {
	return c.call(message{Op: opSetOwner, Path: path, UID: uid, GID: gid, Mode: uint32(mode.Perm())})
}

// StopServer asks the helper process to exit its serve loop.
func (c *SocketClient) StopServer() {
	_ = c.call(message{Op: opStopServer})
}

func (c *SocketClient) call(msg message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := sendMessage(c.fd, tagRequest, "", msg); err != nil {
		return fmt.Errorf("failed to send command to the sudo server process: %w", err)
	}
	if msg.Op == opStopServer {
		return nil
	}

	_, errStr, err := receiveMessage(c.fd, tagReply)
	if err != nil {
		return fmt.Errorf("failed to receive reply from the sudo server process: %w", err)
	}
	if errStr != "" {
		return fmt.Errorf("%s", errStr)
	}
	return nil
}

// Server is the request loop of the privileged helper process. It executes
// the forwarded operations with a ShortCircuit client.
type Server struct {
	fd     int
	direct ShortCircuit
	logger *slog.Logger
}

// NewServer wraps the server end of a socket pair.
func NewServer(fd int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{fd: fd, logger: logger}
}

// Serve processes requests until StopServer is received or the socket is
// closed.
func (s *Server) Serve() error {
	for {
		msg, _, err := receiveMessage(s.fd, tagRequest)
		if err != nil {
			return fmt.Errorf("failed to receive command from the sudo client process: %w", err)
		}

		var opErr error
		switch msg.Op {
		case opRemoveRecursive:
			opErr = s.direct.RemoveRecursive(msg.Path)
		case opSetOwner:
			opErr = s.direct.SetOwnerAndPermissionsRecursive(msg.Path, msg.UID, msg.GID, os.FileMode(msg.Mode))
		case opStopServer:
			s.logger.Info("sudo.server.stop")
			return nil
		default:
			opErr = fmt.Errorf("unknown function '%s' called in the sudo server", msg.Op)
		}

		errStr := ""
		if opErr != nil {
			s.logger.Warn("sudo.server.op", "op", msg.Op, "path", msg.Path, "error", opErr)
			errStr = opErr.Error()
		}
		if err := sendMessage(s.fd, tagReply, errStr, message{Op: msg.Op}); err != nil {
			return fmt.Errorf("failed to send reply to the sudo client process: %w", err)
		}
	}
}

func sendMessage(fd int, tag, errStr string, msg message) error {
	payload, err := yaml.Marshal(msg)
	if err != nil {
		return err
	}

	packet := make([]byte, 0, 4+4+len(errStr)+4+len(payload))
	packet = append(packet, tag...)
	packet = binary.BigEndian.AppendUint32(packet, uint32(len(errStr)))
	packet = append(packet, errStr...)
	packet = binary.BigEndian.AppendUint32(packet, uint32(len(payload)))
	packet = append(packet, payload...)

	if len(packet) > maxMessageBytes {
		return fmt.Errorf("message of %d bytes exceeds the %d byte limit", len(packet), maxMessageBytes)
	}

	n, err := unix.Write(fd, packet)
	for err == unix.EINTR {
		n, err = unix.Write(fd, packet)
	}
	if err != nil {
		return err
	}
	if n != len(packet) {
		return fmt.Errorf("short write on sudo socket: %d of %d bytes", n, len(packet))
	}
	return nil
}

func receiveMessage(fd int, tag string) (message, string, error) {
	buf := make([]byte, maxMessageBytes)
	n, err := unix.Read(fd, buf)
	for err == unix.EINTR {
		n, err = unix.Read(fd, buf)
	}
	if err != nil {
		return message{}, "", err
	}
	if n == 0 {
		return message{}, "", fmt.Errorf("sudo socket was closed")
	}
	if n < 4 || string(buf[:4]) != tag {
		return message{}, "", fmt.Errorf("unexpected message tag on sudo socket")
	}

	rest := buf[4:n]
	errStr, rest, err := readLengthPrefixed(rest)
	if err != nil {
		return message{}, "", err
	}
	payload, _, err := readLengthPrefixed(rest)
	if err != nil {
		return message{}, "", err
	}

	var msg message
	if err := yaml.Unmarshal(payload, &msg); err != nil {
		return message{}, "", fmt.Errorf("decode sudo message: %w", err)
	}
	return msg, string(errStr), nil
}

func readLengthPrefixed(data []byte) (field, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("truncated sudo message")
	}
	length := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < length {
		return nil, nil, fmt.Errorf("truncated sudo message")
	}
	return data[:length], data[length:], nil
}
