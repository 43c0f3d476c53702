// Package sshd is the administrative console of the daemon: an SSH server
// whose users run the commands registered on it, interactively or one per
// exec request.
package sshd

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// handshakeTimeout bounds how long an unauthenticated client may hold a
// connection open.
const handshakeTimeout = 10 * time.Second

var errHandshakeTimeout = errors.New("handshake timeout")

type SSHServer struct {
	config *ssh.ServerConfig
	l      *logrus.Entry

	commands *Commands

	keysLock sync.RWMutex
	// user -> public keys allowed to log in as that user
	authorized map[string][]ssh.PublicKey

	connsLock sync.Mutex
	listener  net.Listener
	sessions  map[*session]struct{}
}

// NewSSHServer creates a server that only knows the help command. Set a host
// key and authorize users before running it.
func NewSSHServer(l *logrus.Entry) (*SSHServer, error) {
	s := &SSHServer{
		l:          l,
		commands:   NewCommands(),
		authorized: make(map[string][]ssh.PublicKey),
		sessions:   make(map[*session]struct{}),
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: s.authenticate,
		ServerVersion:     "SSH-2.0-spihd",
	}
	return s, nil
}

func (s *SSHServer) authenticate(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
	fp := ssh.FingerprintSHA256(pubKey)

	s.keysLock.RLock()
	keys, ok := s.authorized[c.User()]
	s.keysLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown user %s", c.User())
	}

	raw := pubKey.Marshal()
	for _, k := range keys {
		if bytes.Equal(k.Marshal(), raw) {
			return &ssh.Permissions{
				Extensions: map[string]string{
					"fp":   fp,
					"user": c.User(),
				},
			}, nil
		}
	}
	return nil, fmt.Errorf("unknown public key for %s (%s)", c.User(), fp)
}

// SetHostKey adds the pem encoded private key the server identifies with.
func (s *SSHServer) SetHostKey(hostPrivateKey []byte) error {
	private, err := ssh.ParsePrivateKey(hostPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	s.config.AddHostKey(private)
	return nil
}

// ClearAuthorizedKeys forgets every authorized user. Established sessions
// stay open.
func (s *SSHServer) ClearAuthorizedKeys() {
	s.keysLock.Lock()
	s.authorized = make(map[string][]ssh.PublicKey)
	s.keysLock.Unlock()
}

// AddAuthorizedKey allows pubKey, in authorized_keys format, to log in as
// user.
func (s *SSHServer) AddAuthorizedKey(user, pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	s.keysLock.Lock()
	s.authorized[user] = append(s.authorized[user], pk)
	s.keysLock.Unlock()

	s.l.WithField("sshKey", pubKey).WithField("sshUser", user).Info("Authorized ssh key")
	return nil
}

// RegisterCommand adds a command that can be run by a user, by default only `help` is available
func (s *SSHServer) RegisterCommand(c *Command) {
	s.commands.Register(c)
}

// Commands returns the commands users can run.
func (s *SSHServer) Commands() *Commands {
	return s.commands
}

// Run listens on addr and serves connections until Stop.
func (s *SSHServer) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop closes it. Open sessions are
// closed before it returns.
func (s *SSHServer) Serve(ln net.Listener) error {
	s.connsLock.Lock()
	s.listener = ln
	s.connsLock.Unlock()

	s.l.WithField("sshListener", ln.Addr()).Info("SSH server is listening")
	defer s.l.Info("SSH server stopped listening")
	defer s.closeSessions()

	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.l.WithError(err).Warn("Error in listener, shutting down")
			}
			return nil
		}
		go s.handle(c)
	}
}

// Addr returns the address the server listens on, nil if it is not running.
func (s *SSHServer) Addr() net.Addr {
	s.connsLock.Lock()
	defer s.connsLock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *SSHServer) handle(c net.Conn) {
	l := s.l.WithField("remoteAddress", c.RemoteAddr())

	conn, chans, reqs, err := s.handshake(c, handshakeTimeout)
	if err != nil {
		l.WithError(err).Warn("failed to handshake")
		return
	}

	l = l.WithField("sshUser", conn.User())
	l.WithField("sshFingerprint", conn.Permissions.Extensions["fp"]).Info("ssh user logged in")

	sess := newSession(s.commands, conn, chans, l.WithField("subsystem", "sshd.session"))
	s.connsLock.Lock()
	s.sessions[sess] = struct{}{}
	s.connsLock.Unlock()

	go ssh.DiscardRequests(reqs)
	<-sess.done

	l.Debug("ssh session closed")
	s.connsLock.Lock()
	delete(s.sessions, sess)
	s.connsLock.Unlock()
}

// handshake authenticates the client on c. c is closed if that fails or
// takes longer than timeout.
func (s *SSHServer) handshake(c net.Conn, timeout time.Duration) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		c.Close()
		return nil, nil, nil, err
	}

	conn, chans, reqs, err := ssh.NewServerConn(c, s.config)
	if err != nil {
		c.Close()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil, nil, errHandshakeTimeout
		}
		return nil, nil, nil, err
	}

	if err := c.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	return conn, chans, reqs, nil
}

// Stop closes the listener, which ends Serve and every session with it.
func (s *SSHServer) Stop() {
	s.connsLock.Lock()
	ln := s.listener
	s.listener = nil
	s.connsLock.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			s.l.WithError(err).Warn("Failed to close the sshd listener")
		}
	}
}

func (s *SSHServer) closeSessions() {
	s.connsLock.Lock()
	defer s.connsLock.Unlock()
	for sess := range s.sessions {
		sess.Close()
	}
}
