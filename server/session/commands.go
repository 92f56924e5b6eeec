package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cyclopcam/intruder/server/config"
)

type CommandKind string

const (
	CommandClasses CommandKind = "classes" // classes 0,2,car or classes none
	CommandSound   CommandKind = "sound"   // sound on|off
	CommandStart   CommandKind = "start"   // Start the camera
	CommandStop    CommandKind = "stop"    // Stop the camera
	CommandStatus  CommandKind = "status"  // Log the current status and stats
)

var ErrEmptyCommand = errors.New("Empty command")

// Command is a request from the user, typically typed into stdin
type Command struct {
	Kind    CommandKind
	Classes []int // CommandClasses
	Sound   bool  // CommandSound
}

// CommandHelp lists the commands understood by ParseCommand
const CommandHelp = `Commands:
  classes <list>   Set the alarm classes, eg "classes 0,2" or "classes person,car"
  classes none     Disarm the alarm, but keep showing detections
  sound on|off     Enable or disable the alarm sound
  start            Start the camera
  stop             Stop the camera
  status           Show the current status`

// ParseCommand parses one line of user input
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrEmptyCommand
	}
	kind := CommandKind(strings.ToLower(fields[0]))
	args := fields[1:]
	switch kind {
	case CommandClasses:
		if len(args) == 0 {
			return Command{}, errors.New("classes needs a list, eg 'classes 0,2', or 'classes none'")
		}
		if len(args) == 1 && strings.EqualFold(args[0], "none") {
			return Command{Kind: kind, Classes: []int{}}, nil
		}
		// Allow "classes 0, 2" as well as "classes 0,2"
		classes, err := config.ParseClassList(strings.Join(args, ","))
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: kind, Classes: classes}, nil
	case CommandSound:
		if len(args) != 1 {
			return Command{}, errors.New("sound needs 'on' or 'off'")
		}
		switch strings.ToLower(args[0]) {
		case "on", "1", "true":
			return Command{Kind: kind, Sound: true}, nil
		case "off", "0", "false":
			return Command{Kind: kind, Sound: false}, nil
		}
		return Command{}, fmt.Errorf("Invalid sound setting '%v'", args[0])
	case CommandStart, CommandStop, CommandStatus:
		if len(args) != 0 {
			return Command{}, fmt.Errorf("%v takes no arguments", kind)
		}
		return Command{Kind: kind}, nil
	}
	return Command{}, fmt.Errorf("Unknown command '%v'", fields[0])
}
