// Package discord connects agents to a Discord text channel. Each agent runs
// its own bot session; environment actions are rendered as emotes.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"behaviorbench/internal/apperrors"
	"behaviorbench/internal/driver"
	"behaviorbench/internal/logger"
	"behaviorbench/internal/models"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
)

// Config holds the bot credentials and default channel.
type Config struct {
	// Tokens are bot tokens handed out round-robin, one per connection.
	Tokens    []string
	ChannelID string
}

// session is the subset of *discordgo.Session the driver uses.
type session interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type sessionFactory func(token string) (session, error)

func newDiscordSession(token string) (session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsGuilds
	return s, nil
}

type connection struct {
	agentID   string
	session   session
	channelID string
	username  string
}

// Driver implements driver.Driver on top of discordgo.
type Driver struct {
	cfg        Config
	newSession sessionFactory
	events     chan driver.BotEvent

	mu     sync.Mutex
	conns  map[string]*connection
	next   int
	closed bool
}

// New creates a Discord driver.
func New(cfg Config) (*Driver, error) {
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("discord driver requires at least one bot token")
	}
	return &Driver{
		cfg:        cfg,
		newSession: newDiscordSession,
		events:     make(chan driver.BotEvent, driver.EventBufferSize),
		conns:      make(map[string]*connection),
	}, nil
}

func (d *Driver) Name() string { return "discord" }

func (d *Driver) Events() <-chan driver.BotEvent { return d.events }

func (d *Driver) emit(ev driver.BotEvent) {
	ev.At = time.Now()
	select {
	case d.events <- ev:
	default:
		logger.Logger.Warn("discord driver event buffer full, dropping event", "connection_id", ev.ConnectionID, "status", ev.Status)
	}
}

func (d *Driver) nextToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	token := d.cfg.Tokens[d.next%len(d.cfg.Tokens)]
	d.next++
	return token
}

// Connect opens a gateway session for the agent.
func (d *Driver) Connect(ctx context.Context, p driver.ConnectParams) (string, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return "", driver.ErrClosed
	}

	id := uuid.NewString()
	channelID := p.Environment.ChatChannelID
	if channelID == "" {
		channelID = d.cfg.ChannelID
	}
	if channelID == "" {
		return "", apperrors.Invalid("config.environment.chatChannelId", "no Discord channel configured")
	}

	s, err := d.newSession(d.nextToken())
	if err != nil {
		return "", &apperrors.ConnectionError{ConnectionID: id, Op: "connect", Err: err}
	}

	// Ready may arrive before Open returns; spawned is only reported once the
	// connection is registered so observers see connected first.
	var (
		readyMu   sync.Mutex
		connected bool
		ready     bool
		userID    string
	)
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		readyMu.Lock()
		ready = true
		if r.User != nil {
			userID = r.User.ID
		}
		emitNow := connected
		readyMu.Unlock()
		if emitNow {
			d.emit(driver.BotEvent{ConnectionID: id, AgentID: p.AgentID, Status: models.BotSpawned, UserID: userID})
		}
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.mu.Lock()
		_, open := d.conns[id]
		d.mu.Unlock()
		if open {
			d.emit(driver.BotEvent{ConnectionID: id, AgentID: p.AgentID, Status: models.BotDisconnected, Err: errors.New("gateway disconnected")})
		}
	})

	d.emit(driver.BotEvent{ConnectionID: id, AgentID: p.AgentID, Status: models.BotConnecting})

	opened := make(chan error, 1)
	go func() { opened <- s.Open() }()
	select {
	case err = <-opened:
	case <-ctx.Done():
		err = ctx.Err()
		go func() {
			if <-opened == nil {
				s.Close()
			}
		}()
	}
	if err != nil {
		d.emit(driver.BotEvent{ConnectionID: id, AgentID: p.AgentID, Status: models.BotError, Err: err})
		return "", &apperrors.ConnectionError{ConnectionID: id, Op: "connect", Err: err}
	}

	d.mu.Lock()
	d.conns[id] = &connection{agentID: p.AgentID, session: s, channelID: channelID, username: p.Username}
	d.mu.Unlock()

	d.emit(driver.BotEvent{ConnectionID: id, AgentID: p.AgentID, Status: models.BotConnected})

	readyMu.Lock()
	connected = true
	seen, uid := ready, userID
	readyMu.Unlock()
	if seen {
		d.emit(driver.BotEvent{ConnectionID: id, AgentID: p.AgentID, Status: models.BotSpawned, UserID: uid})
	}
	return id, nil
}

// Disconnect closes the agent's gateway session.
func (d *Driver) Disconnect(_ context.Context, connID string) error {
	d.mu.Lock()
	c, ok := d.conns[connID]
	delete(d.conns, connID)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	err := c.session.Close()
	d.emit(driver.BotEvent{ConnectionID: connID, AgentID: c.agentID, Status: models.BotDisconnected})
	if err != nil {
		return &apperrors.ConnectionError{ConnectionID: connID, Op: "disconnect", Err: err}
	}
	return nil
}

// PerformAction posts the action to the agent's channel.
func (d *Driver) PerformAction(ctx context.Context, connID string, a driver.Action) (driver.Outcome, error) {
	d.mu.Lock()
	c, ok := d.conns[connID]
	d.mu.Unlock()
	if !ok {
		return driver.Outcome{}, &apperrors.ConnectionError{ConnectionID: connID, Op: "perform", Err: driver.ErrUnknownConnection}
	}

	content := a.Text
	if a.Channel != "chat" || content == "" {
		content = fmt.Sprintf("*%s %s*", c.username, a.Type)
	}

	msg, err := c.session.ChannelMessageSend(c.channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == 401 {
			return driver.Outcome{}, &apperrors.ConnectionError{ConnectionID: connID, Op: "perform", Err: err}
		}
		return driver.Outcome{}, fmt.Errorf("%s: %w: %v", a.Type, driver.ErrActionRejected, err)
	}

	ref := content
	if msg != nil {
		ref = fmt.Sprintf("%s [%s]", content, msg.ID)
	}
	if a.Channel == "chat" {
		return driver.Outcome{ChatAction: ref}, nil
	}
	return driver.Outcome{EnvironmentAction: ref}, nil
}

// Close ends every session.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conns := d.conns
	d.conns = make(map[string]*connection)
	d.mu.Unlock()

	var errs []error
	for id, c := range conns {
		if err := c.session.Close(); err != nil {
			errs = append(errs, err)
		}
		d.emit(driver.BotEvent{ConnectionID: id, AgentID: c.agentID, Status: models.BotDisconnected})
	}
	return errors.Join(errs...)
}
