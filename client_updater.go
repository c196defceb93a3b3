package camstim

// Contains the client updater, which publishes JSON-encoded messages
// giving the latest camstim state.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state any
}

// AliveMessage is published periodically so clients can tell we are running.
type AliveMessage struct {
	Alive   bool
	Version string
	Uptime  string
}

// quietTags are published but not written to UpdateLogger, because they arrive
// several times per second.
var quietTags = map[string]bool{"TELEMETRY": true, "LASERSTATE": true, "ALIVE": true}

func encodeUpdate(update ClientUpdate) ([]byte, error) {
	message, err := json.Marshal(update.state)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s update: %w", update.tag, err)
	}
	return message, nil
}

// RunClientUpdater forwards every message from its input channel to a ZMQ PUB
// socket on statusport. It returns when messages is closed.
func RunClientUpdater(statusport int, messages <-chan ClientUpdate) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", statusport)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind client updater to %s: %w", hostname, err)
	}

	aliveTicker := time.NewTicker(2 * time.Second)
	defer aliveTicker.Stop()

	publish := func(update ClientUpdate) {
		message, err := encodeUpdate(update)
		if err != nil {
			ProblemLogger.Println(err)
			return
		}
		if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
			ProblemLogger.Printf("could not publish %s update: %v", update.tag, err)
		}
		if !quietTags[update.tag] {
			UpdateLogger.Printf("SEND %v %v\n", update.tag, string(message))
		}
	}

	for {
		select {
		case update, ok := <-messages:
			if !ok {
				return nil
			}
			publish(update)
		case <-aliveTicker.C:
			uptime := time.Since(StartTime).Round(time.Second)
			publish(ClientUpdate{"ALIVE", AliveMessage{Alive: true, Version: Build.Version, Uptime: uptime.String()}})
		}
	}
}
