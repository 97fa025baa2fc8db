// Package master notifies the orchestration master of server lifecycle
// events. Notifications are sent in the background with retries; the game
// loop never waits on the master.
package master

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

// Events understood by the master.
const (
	ServerActivate   = "activate"
	PlayerConnect    = "connect"
	PlayerDisconnect = "disconnect"
)

const (
	requestTimeout = 10 * time.Second
	retryMax       = 3
)

// Notification is the JSON body of every event.
type Notification struct {
	Event   string `json:"event"`
	Server  string `json:"server"`
	Players int    `json:"players"`
}

// Notifier posts events for one server. A nil *Notifier sends nothing.
type Notifier struct {
	URL    string
	Server string
	Logger logr.Logger

	client *retryablehttp.Client
	wg     sync.WaitGroup
}

// leveledLogger adapts logr to the retryablehttp logger interface.
type leveledLogger struct {
	logr.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Error(nil, msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.V(1).Info(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.V(2).Info(msg, keysAndValues...)
}

// New returns a Notifier posting to baseURL on behalf of server.
func New(baseURL, server string, logger logr.Logger) *Notifier {
	logger = logger.WithName("master")
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = requestTimeout
	client.Logger = leveledLogger{logger}
	return &Notifier{
		URL:    strings.TrimRight(baseURL, "/"),
		Server: server,
		Logger: logger,
		client: client,
	}
}

// ServerActivate reports that the server accepts players.
func (n *Notifier) ServerActivate(players int) { n.notify(ServerActivate, players) }

// PlayerConnect reports a new player and the resulting player count.
func (n *Notifier) PlayerConnect(players int) { n.notify(PlayerConnect, players) }

// PlayerDisconnect reports a departed player and the resulting player count.
func (n *Notifier) PlayerDisconnect(players int) { n.notify(PlayerDisconnect, players) }

func (n *Notifier) notify(event string, players int) {
	if n == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.Send(context.Background(), Notification{Event: event, Server: n.Server, Players: players}); err != nil {
			n.Logger.Error(err, "could not notify master", "event", event)
		}
	}()
}

// Send posts one notification and waits for the answer.
func (n *Notifier) Send(ctx context.Context, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	target := n.URL + "/servers/" + url.PathEscape(note.Server) + "/" + note.Event
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", note.Event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post %s: unexpected status %s", note.Event, resp.Status)
	}
	n.Logger.V(1).Info("notified master", "event", note.Event, "players", note.Players)
	return nil
}

// Wait blocks until every pending notification finished.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}
