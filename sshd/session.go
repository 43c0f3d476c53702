package sshd

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// session is one logged in client. It serves every session channel the
// client opens until the connection ends.
type session struct {
	l        *logrus.Entry
	c        *ssh.ServerConn
	commands *Commands

	termOnce sync.Once

	closeOnce sync.Once
	done      chan struct{}
}

type execRequest struct {
	Command string
}

type exitStatus struct {
	Status uint32
}

func newSession(commands *Commands, conn *ssh.ServerConn, chans <-chan ssh.NewChannel, l *logrus.Entry) *session {
	s := &session{
		l:        l,
		c:        conn,
		commands: commands.Clone(),
		done:     make(chan struct{}),
	}

	s.commands.Register(&Command{
		Name:             "logout",
		ShortDescription: "Ends the current session",
		Callback: func(any, []string, StringWriter) error {
			return ErrExit
		},
	})

	go s.handleChannels(chans)
	go func() {
		// The connection ending any other way closes the session too
		s.c.Wait()
		s.Close()
	}()
	return s
}

func (s *session) handleChannels(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		if nc.ChannelType() != "session" {
			s.l.WithField("sshChannelType", nc.ChannelType()).Error("unknown channel type")
			nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		ch, reqs, err := nc.Accept()
		if err != nil {
			s.l.WithError(err).Warn("could not accept channel")
			continue
		}

		go s.handleRequests(reqs, ch)
	}
}

func (s *session) handleRequests(in <-chan *ssh.Request, ch ssh.Channel) {
	for req := range in {
		var err error
		switch req.Type {
		case "shell":
			started := false
			s.termOnce.Do(func() {
				started = true
				go s.shell(ch)
			})
			err = req.Reply(started, nil)

		case "pty-req", "window-change":
			err = req.Reply(true, nil)

		case "exec":
			s.exec(req, ch)
			return

		default:
			s.l.WithField("sshRequest", req.Type).Debug("Rejected unknown request")
			err = req.Reply(false, nil)
		}

		if err != nil {
			s.l.WithError(err).Info("Error handling ssh session requests")
			s.Close()
			return
		}
	}
}

// shell runs an interactive console on ch until the user logs out.
func (s *session) shell(ch ssh.Channel) {
	defer s.Close()

	t := NewTerminal(ch, s.c.User()+"@spihd > ", s.commands)
	err := RunTerminal(t, s.commands, func(err error) {
		s.l.WithError(err).Info("ssh command failed")
	})
	if err != nil {
		s.l.WithError(err).Debug("ssh terminal closed")
	}
}

// exec runs the single command line of req and closes ch. A failed command
// exits with status 1.
func (s *session) exec(req *ssh.Request, ch ssh.Channel) {
	defer ch.Close()

	var payload execRequest
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		req.Reply(false, nil)
		return
	}
	req.Reply(true, nil)

	var status exitStatus
	err := s.commands.Dispatch(payload.Command, NewStringWriter(ch))
	if err != nil && !errors.Is(err, ErrExit) {
		s.l.WithError(err).WithField("command", payload.Command).Info("ssh command failed")
		status.Status = 1
	}

	if _, err := ch.SendRequest("exit-status", false, ssh.Marshal(status)); err != nil {
		s.l.WithError(err).Debug("Failed to send the exit status")
	}
}

// Close ends the connection. It is safe to call more than once.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.c.Close()
		close(s.done)
	})
}
