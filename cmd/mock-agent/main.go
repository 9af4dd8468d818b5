// Package main implements a mock agent binary that speaks the claude-code
// stream-json protocol over stdin/stdout. It produces deterministic
// responses keyed off the prompt text, for supervisor and e2e tests.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// sessionID is unique per process so resume behavior is observable across
// restarts.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	if resumed := parseFlag(os.Args, "--resume"); resumed != "" {
		sessionID = resumed
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)
	emitSystemInit(enc)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg incomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type != "user" || msg.Message == nil {
			continue
		}
		runScenario(enc, msg.Message.Content)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlag extracts the value of "--name value" or "--name=value".
func parseFlag(args []string, name string) string {
	for i, arg := range args[1:] {
		if arg == name && i+1 < len(args)-1 {
			return args[i+2]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return ""
}
