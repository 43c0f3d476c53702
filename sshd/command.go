package sshd

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/anmitsu/go-shlex"
	"github.com/armon/go-radix"
)

// CommandFlags is a function called before help or command execution to parse command line flags
// It should return a flag.FlagSet instance and a pointer to the struct that will contain parsed flags
type CommandFlags func() (*flag.FlagSet, any)

// CommandCallback is the function called when your command should execute.
// fs will be a a pointer to the struct provided by Command.Flags callback, if there was one. -h and -help are reserved
// and handled automatically for you.
// a will be any unconsumed arguments, if no Command.Flags was available this will be all the flags passed in.
// w is the writer to use when sending messages back to the client.
// If an error is returned by the callback it is returned by Dispatch, the callback should handle messaging errors to the
// user where appropriate
type CommandCallback func(fs any, a []string, w StringWriter) error

type Command struct {
	Name             string
	ShortDescription string
	Help             string
	Flags            CommandFlags
	Callback         CommandCallback
}

// Commands is a set of commands addressed by name, `help` is always available.
type Commands struct {
	tree *radix.Tree
}

// NewCommands returns a command set holding only `help`.
func NewCommands() *Commands {
	c := &Commands{tree: radix.New()}
	c.Register(&Command{
		Name:             "help",
		ShortDescription: "prints available commands or help <command> for specific usage info",
		Callback: func(a any, args []string, w StringWriter) error {
			return helpCallback(c.tree, args, w)
		},
	})
	return c
}

// Register adds or replaces a command.
func (c *Commands) Register(cmd *Command) {
	c.tree.Insert(cmd.Name, cmd)
}

// Clone returns a copy that can take extra commands without touching c.
func (c *Commands) Clone() *Commands {
	n := &Commands{tree: radix.NewFromMap(c.tree.ToMap())}
	// help has to list the commands of the copy
	n.Register(&Command{
		Name:             "help",
		ShortDescription: "prints available commands or help <command> for specific usage info",
		Callback: func(a any, args []string, w StringWriter) error {
			return helpCallback(n.tree, args, w)
		},
	})
	return n
}

// Match returns the names of all commands starting with prefix.
func (c *Commands) Match(prefix string) []string {
	return matchCommand(c.tree, prefix)
}

// Dispatch splits line like a shell would and runs the named command.
// Unknown commands print the command list.
func (c *Commands) Dispatch(line string, w StringWriter) error {
	args, err := shlex.Split(line, true)
	if err != nil {
		return w.WriteLine(fmt.Sprintf("could not parse: %s", err))
	}

	return c.Exec(args, w)
}

// Exec runs the command named by args[0] with the remaining arguments.
func (c *Commands) Exec(args []string, w StringWriter) error {
	if len(args) == 0 {
		dumpCommands(c.tree, w)
		return nil
	}

	cmd, err := lookupCommand(c.tree, args[0])
	if err != nil {
		return err
	}

	if cmd == nil {
		err := w.WriteLine(fmt.Sprintf("did not understand: %s", strings.Join(args, " ")))
		_ = err

		dumpCommands(c.tree, w)
		return nil
	}

	if checkHelpArgs(args) {
		return c.Exec([]string{"help", cmd.Name}, w)
	}

	return execCommand(cmd, args[1:], w)
}

func execCommand(c *Command, args []string, w StringWriter) error {
	var (
		fl *flag.FlagSet
		fs any
	)

	if c.Flags != nil {
		fl, fs = c.Flags()
		if fl != nil {
			// SetOutput() here in case fl.Parse dumps usage.
			fl.SetOutput(w.GetWriter())
			err := fl.Parse(args)
			if err != nil {
				// fl.Parse has dumped error information to the user via the w writer.
				return err
			}
			args = fl.Args()
		}
	}

	return c.Callback(fs, args, w)
}

func dumpCommands(c *radix.Tree, w StringWriter) {
	err := w.WriteLine("Available commands:")
	if err != nil {
		return
	}

	cmds := make([]string, 0)
	for _, l := range allCommands(c) {
		cmds = append(cmds, fmt.Sprintf("%s - %s", l.Name, l.ShortDescription))
	}

	sort.Strings(cmds)
	_ = w.Write(strings.Join(cmds, "\n") + "\n\n")
}

func lookupCommand(c *radix.Tree, sCmd string) (*Command, error) {
	cmd, ok := c.Get(sCmd)
	if !ok {
		return nil, nil
	}

	command, ok := cmd.(*Command)
	if !ok {
		return nil, errors.New("failed to cast command")
	}

	return command, nil
}

func matchCommand(c *radix.Tree, cmd string) []string {
	cmds := make([]string, 0)
	c.WalkPrefix(cmd, func(found string, v any) bool {
		cmds = append(cmds, found)
		return false
	})
	sort.Strings(cmds)
	return cmds
}

func allCommands(c *radix.Tree) []*Command {
	cmds := make([]*Command, 0)
	c.WalkPrefix("", func(found string, v any) bool {
		cmd, ok := v.(*Command)
		if ok {
			cmds = append(cmds, cmd)
		}
		return false
	})
	return cmds
}

func helpCallback(commands *radix.Tree, a []string, w StringWriter) (err error) {
	// Just typed help
	if len(a) == 0 {
		dumpCommands(commands, w)
		return nil
	}

	// We are printing a specific commands help text
	cmd, err := lookupCommand(commands, a[0])
	if err != nil {
		return
	}

	if cmd != nil {
		err = w.WriteLine(fmt.Sprintf("%s - %s", cmd.Name, cmd.ShortDescription))
		if err != nil {
			return err
		}

		if cmd.Help != "" {
			err = w.WriteLine(fmt.Sprintf("  %s", cmd.Help))
			if err != nil {
				return err
			}
		}

		if cmd.Flags != nil {
			fs, _ := cmd.Flags()
			if fs != nil {
				fs.SetOutput(w.GetWriter())
				fs.PrintDefaults()
			}
		}

		return nil
	}

	err = w.WriteLine("Command not available " + a[0])
	if err != nil {
		return err
	}

	return nil
}

func checkHelpArgs(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "-help" {
			return true
		}
	}

	return false
}
