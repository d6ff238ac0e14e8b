package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pushi/internal/channel"
	"pushi/internal/metrics"
	"pushi/internal/models"
	"pushi/internal/repository"
	"pushi/pkg/logging"
)

// Error taxonomy for broker operations. The websocket layer maps these to
// pusher:error frames and close decisions; the HTTP layer maps them to
// status codes.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrProtocol    = errors.New("protocol violation")
	ErrLimit       = errors.New("limit exceeded")
	ErrNotFound    = errors.New("not found")
	ErrOperational = errors.New("operational error")
)

// Conn is the broker-side view of a live websocket connection. The broker
// addresses connections by socket id only; the websocket layer owns the
// actual transport.
type Conn interface {
	SocketID() string
	AppKey() string
	// Send enqueues an encoded frame on the connection's outbound queue.
	// It reports false when the queue is full, in which case the
	// connection is being torn down as a slow consumer.
	Send(payload []byte) bool
}

// Adapter delivers published events out of band. Failures are isolated by
// the broker and never abort live fan-out.
type Adapter interface {
	Name() string
	Send(ctx context.Context, appID, ch string, envelope map[string]interface{}) error
}

// adapterSendTimeout bounds a single adapter delivery call.
const adapterSendTimeout = 30 * time.Second

// appState bundles the per-app mutable state behind one lock.
type appState struct {
	mu      sync.Mutex
	app     models.App
	store   *channel.Store
	aliases *channel.AliasMap
	rings   map[string]*channel.Ring
}

func (s *appState) ring(ch string) *channel.Ring {
	r := s.rings[ch]
	if r == nil {
		r = channel.NewRing(channel.DefaultRingSize)
		s.rings[ch] = r
	}
	return r
}

// Broker owns the per-app channel state and orchestrates subscribe,
// unsubscribe and trigger across the websocket layer, the repository and
// the delivery adapters.
type Broker struct {
	logger   logging.Logger
	repo     repository.Repository
	metrics  *metrics.Metrics
	adapters []Adapter

	mu        sync.RWMutex
	appsByID  map[string]*appState
	appsByKey map[string]*appState
	sockets   map[string]Conn

	handlers map[string]HandlerFunc
}

// New creates a broker over the given repository. Adapters may be attached
// afterwards with AttachAdapters, before serving traffic.
func New(repo repository.Repository, logger logging.Logger, m *metrics.Metrics) *Broker {
	b := &Broker{
		logger:    logger,
		repo:      repo,
		metrics:   m,
		appsByID:  make(map[string]*appState),
		appsByKey: make(map[string]*appState),
		sockets:   make(map[string]Conn),
	}
	b.handlers = defaultHandlers(b)
	return b
}

// AttachAdapters registers the delivery adapters for trigger fan-out.
func (b *Broker) AttachAdapters(adapters ...Adapter) {
	b.adapters = append(b.adapters, adapters...)
}

// Load primes the broker from the repository: every app record plus the
// personal alias map. A failure here aborts startup, the broker cannot
// safely run without app records.
func (b *Broker) Load(ctx context.Context) error {
	apps, err := b.repo.ListApps(ctx)
	if err != nil {
		return fmt.Errorf("load apps: %w", err)
	}
	for _, app := range apps {
		b.registerApp(app)
	}

	personal, err := b.repo.AllPersonal(ctx)
	if err != nil {
		return fmt.Errorf("load personal aliases: %w", err)
	}
	for _, rec := range personal {
		state := b.stateByID(rec.AppID)
		if state == nil {
			continue
		}
		state.mu.Lock()
		state.aliases.Add(channel.PersonalPrefix+rec.UserID, rec.Event)
		state.mu.Unlock()
	}

	b.logger.WithFields(logging.Fields{
		"apps":    len(apps),
		"aliases": len(personal),
	}).Info("Broker state loaded")
	return nil
}

// RegisterApp makes a freshly created app routable without a restart.
func (b *Broker) RegisterApp(app models.App) {
	b.registerApp(app)
}

func (b *Broker) registerApp(app models.App) *appState {
	b.mu.Lock()
	state, known := b.appsByID[app.ID]
	if !known {
		state = &appState{
			app:     app,
			store:   channel.NewStore(),
			aliases: channel.NewAliasMap(),
			rings:   make(map[string]*channel.Ring),
		}
		b.appsByID[app.ID] = state
		b.appsByKey[app.Key] = state
	}
	// The app lock is only taken after b.mu is released: operations that run
	// under a state lock look up sockets and states through b.mu, so holding
	// both here would order the locks the opposite way.
	b.mu.Unlock()

	if known {
		state.mu.Lock()
		state.app = app
		state.mu.Unlock()
	}
	return state
}

func (b *Broker) stateByID(appID string) *appState {
	b.mu.RLock()
	state := b.appsByID[appID]
	b.mu.RUnlock()
	return state
}

func (b *Broker) stateByKey(appKey string) *appState {
	b.mu.RLock()
	state := b.appsByKey[appKey]
	b.mu.RUnlock()
	return state
}

// lookupByKey resolves an app state, falling back to a read-through on the
// repository so apps created by another admin surface become routable.
func (b *Broker) lookupByKey(ctx context.Context, appKey string) (*appState, error) {
	if state := b.stateByKey(appKey); state != nil {
		return state, nil
	}
	app, err := b.repo.AppByKey(ctx, appKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown app key", ErrNotFound)
		}
		return nil, fmt.Errorf("lookup app: %w", err)
	}
	return b.registerApp(app), nil
}

// KnownAppKey reports whether the key resolves to an app; the websocket
// handshake refuses unknown keys.
func (b *Broker) KnownAppKey(ctx context.Context, appKey string) bool {
	_, err := b.lookupByKey(ctx, appKey)
	return err == nil
}

// AppByID returns the app record, read-through on miss. Used by adapters
// to resolve per-app credentials.
func (b *Broker) AppByID(appID string) (models.App, error) {
	if state := b.stateByID(appID); state != nil {
		state.mu.Lock()
		app := state.app
		state.mu.Unlock()
		return app, nil
	}
	app, err := b.repo.AppByID(context.Background(), appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.App{}, fmt.Errorf("%w: unknown app id", ErrNotFound)
		}
		return models.App{}, err
	}
	b.registerApp(app)
	return app, nil
}

// Aliases expands a channel into the alias channels registered for it.
// Adapters use this to resolve personal channel fan-out.
func (b *Broker) Aliases(appID, ch string) []string {
	state := b.stateByID(appID)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.aliases.Get(ch)
}

// PersonalChannels returns the personal channel names whose alias set
// contains ch. Adapters use this to route a concrete channel publish to
// targets subscribed on a personal channel.
func (b *Broker) PersonalChannels(appID, ch string) []string {
	state := b.stateByID(appID)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	holders := state.aliases.Holders(ch)
	state.mu.Unlock()

	out := make([]string, 0, len(holders))
	for _, userID := range holders {
		out = append(out, channel.PersonalPrefix+userID)
	}
	return out
}

// AddAlias records that the given alias channel delivers for ch.
func (b *Broker) AddAlias(appID, ch, alias string) {
	state := b.stateByID(appID)
	if state == nil {
		return
	}
	state.mu.Lock()
	state.aliases.Add(ch, alias)
	state.mu.Unlock()
}

// RemoveAlias drops a previously recorded alias.
func (b *Broker) RemoveAlias(appID, ch, alias string) {
	state := b.stateByID(appID)
	if state == nil {
		return
	}
	state.mu.Lock()
	state.aliases.Remove(ch, alias)
	state.mu.Unlock()
}

// Register binds an open connection into the socket table once the
// handshake has completed.
func (b *Broker) Register(conn Conn) {
	b.mu.Lock()
	b.sockets[conn.SocketID()] = conn
	b.mu.Unlock()
}

// connByID resolves a live connection; a stale id is simply a miss.
func (b *Broker) connByID(socketID string) Conn {
	b.mu.RLock()
	conn := b.sockets[socketID]
	b.mu.RUnlock()
	return conn
}

// SocketsInChannel returns the number of sockets currently subscribed to
// the channel of the given app key.
func (b *Broker) SocketsInChannel(appKey, ch string) int {
	state := b.stateByKey(appKey)
	if state == nil {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.store.SocketCount(ch)
}

// ChannelCount returns how many channels the socket has joined.
func (b *Broker) ChannelCount(appKey, socketID string) int {
	state := b.stateByKey(appKey)
	if state == nil {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.store.ChannelCount(socketID)
}
