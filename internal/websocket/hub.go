package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shareroom/internal/database"
	"shareroom/internal/editlock"
	"shareroom/internal/metrics"
	"shareroom/internal/models"
	"shareroom/internal/persistence"
	"shareroom/pkg/logger"
)

const (
	// CloseRoomDeleted is the close code sent to connections of a deleted room.
	CloseRoomDeleted = 4404

	ReasonEditPermission  = "edit permission required"
	ReasonLockUnavailable = "edit lock unavailable"
)

var (
	ErrRoomDeleted = errors.New("room deleted")
	ErrLockHeld    = errors.New("edit lock held by another connection")
	ErrHubClosed   = errors.New("room actor stopped")

	errLockUnavailable = errors.New("shared edit lock unavailable")
)

type inbound struct {
	client *Client
	msg    models.InboundMessage
}

// Hub is the actor of one room. Everything that touches the room's content,
// lock or connections runs on the Run goroutine, one event at a time.
type Hub struct {
	roomID      string
	pipeline    *persistence.Pipeline
	lock        *editlock.Lock
	lockTimeout time.Duration
	content     string
	clients     map[*Client]bool

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	timers     chan timerFired
	calls      chan func()
	done       chan struct{}

	lockTimer   *slot
	backupTimer *slot

	lastActivity time.Time
	stopped      bool
	closeCode    int
}

// NewHub returns a warm hub holding content. Call Run to start it.
func NewHub(roomID, content string, pipeline *persistence.Pipeline, lockTimeout time.Duration) *Hub {
	h := &Hub{
		roomID:       roomID,
		pipeline:     pipeline,
		lock:         editlock.New(lockTimeout),
		lockTimeout:  lockTimeout,
		content:      content,
		clients:      make(map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		inbound:      make(chan inbound),
		timers:       make(chan timerFired),
		calls:        make(chan func()),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	h.lockTimer = newSlot(lockTimer, h.postTimer)
	h.backupTimer = newSlot(backupTimer, h.postTimer)
	return h
}

func (h *Hub) Run() {
	metrics.RoomOpened()
	defer metrics.RoomClosed()

	for !h.stopped {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case in := <-h.inbound:
			h.lastActivity = time.Now()
			h.route(in.client, in.msg)

		case ev := <-h.timers:
			h.onTimer(ev)

		case fn := <-h.calls:
			fn()
		}
	}

	h.lockTimer.stop()
	h.backupTimer.stop()
	for client := range h.clients {
		client.closeCode = h.closeCode
		close(client.send)
		delete(h.clients, client)
		metrics.ConnectionClosed()
	}
	close(h.done)
	logger.Debug("Room %s actor stopped", h.roomID)
}

// Closed reports whether the hub has stopped.
func (h *Hub) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Join attaches client to the room. The client receives init once it has
// read access.
func (h *Hub) Join(client *Client) error {
	client.hub = h
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Leave detaches client. It is safe to call after the hub stopped.
func (h *Hub) Leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Dispatch hands an inbound message to the room.
func (h *Hub) Dispatch(client *Client, msg models.InboundMessage) {
	select {
	case h.inbound <- inbound{client: client, msg: msg}:
	case <-h.done:
	}
}

func (h *Hub) postTimer(ev timerFired) {
	select {
	case h.timers <- ev:
	case <-h.done:
	}
}

// do runs fn on the hub goroutine and waits for it. It must not be called
// from the hub goroutine itself.
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	call := func() {
		fn()
		close(finished)
	}

	select {
	case h.calls <- call:
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-h.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrHubClosed
		}
	}
}

// Content returns the live content of the room.
func (h *Hub) Content(ctx context.Context) (string, error) {
	var content string
	err := h.do(ctx, func() { content = h.content })
	return content, err
}

// Update replaces the content from outside the relay. It fails with
// ErrLockHeld while a connection here or on another relay holds the edit
// lock; otherwise the content is saved, broadcast to every connection and a
// backup is scheduled.
func (h *Hub) Update(ctx context.Context, content string) error {
	var err error
	callErr := h.do(ctx, func() {
		h.expireLock()
		if holder, held := h.lock.Holder(); held {
			err = fmt.Errorf("%w: %s", ErrLockHeld, holder.Label())
			return
		}
		label, held, lockErr := h.pipeline.LockHolder(ctx, h.roomID)
		if lockErr != nil {
			err = lockErr
			return
		}
		if held {
			err = fmt.Errorf("%w: %s", ErrLockHeld, label)
			return
		}
		err = h.applyContent(content, nil)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Authenticate applies the outcome of an in-band PIN check for client.
func (h *Hub) Authenticate(ctx context.Context, client *Client, role models.Role, authorized bool) error {
	return h.do(ctx, func() { h.applyAuth(client, role, authorized) })
}

// Delete closes every connection with CloseRoomDeleted and stops the hub
// without flushing. The records are already gone.
func (h *Hub) Delete(ctx context.Context) error {
	return h.do(ctx, func() {
		logger.Info("Room %s deleted, closing %d connections", h.roomID, len(h.clients))
		h.closeDeleted()
	})
}

// Evict stops the hub if it has had no connections for ttl, flushing a
// pending backup first. It reports whether the hub stopped.
func (h *Hub) Evict(ctx context.Context, ttl time.Duration) (bool, error) {
	evicted := false
	err := h.do(ctx, func() {
		if len(h.clients) > 0 || time.Since(h.lastActivity) < ttl {
			return
		}
		h.flushPending()
		h.stopped = true
		evicted = true
	})
	return evicted, err
}

// Stop flushes a pending backup and stops the hub. Connections are closed
// as going away.
func (h *Hub) Stop(ctx context.Context) error {
	err := h.do(ctx, func() {
		h.flushPending()
		if holder, held := h.lock.Holder(); held {
			h.pipeline.ReleaseLock(context.Background(), h.roomID, holder.ConnID)
		}
		h.closeCode = closeGoingAway
		h.stopped = true
	})
	if errors.Is(err, ErrHubClosed) {
		return nil
	}
	return err
}

func (h *Hub) addClient(client *Client) {
	h.clients[client] = true
	h.lastActivity = time.Now()
	metrics.ConnectionOpened()
	logger.Info("Connection %s joined room %s as %s", client.id, h.roomID, client.role)

	if client.role.CanRead() {
		h.initialize(client)
	}
}

// initialize sends init, and the current holder if there is one.
func (h *Hub) initialize(client *Client) {
	client.initialized = true
	h.send(client, models.InitEvent(h.content))

	h.expireLock()
	if holder, held := h.lock.Holder(); held && holder.ConnID != client.id {
		h.send(client, models.LockAcquiredEvent(holder.Label()))
	}
}

func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.lastActivity = time.Now()
	metrics.ConnectionClosed()
	logger.Info("Connection %s left room %s", client.id, h.roomID)

	h.releaseLock(client.id)
}

func (h *Hub) route(client *Client, msg models.InboundMessage) {
	if _, ok := h.clients[client]; !ok {
		return
	}

	switch msg.Type {
	case models.MessageTypeEditingStart:
		h.requestLock(client, msg.UserID)
	case models.MessageTypeUpdate:
		h.editAttempt(client, msg.UserID, *msg.Content)
	default:
		logger.Debug("Room %s ignoring %q from %s", h.roomID, msg.Type, client.id)
	}
}

func (h *Hub) requestLock(client *Client, userID string) {
	if !client.role.CanEdit() {
		metrics.LockEvent("denied")
		h.send(client, models.LockFailedEvent(ReasonEditPermission))
		return
	}

	res, err := h.acquire(client, userID)
	if err != nil {
		h.send(client, models.LockFailedEvent(ReasonLockUnavailable))
		return
	}
	switch res.Outcome {
	case editlock.Granted, editlock.Renewed:
		h.broadcast(models.LockAcquiredEvent(res.Holder.Label()), client)
	case editlock.Denied:
		h.send(client, models.LockFailedEvent(fmt.Sprintf("%s is currently editing", res.Holder.Label())))
	}
}

func (h *Hub) editAttempt(client *Client, userID, content string) {
	if !client.role.CanEdit() {
		metrics.UpdateResult("rejected")
		return
	}

	res, err := h.acquire(client, userID)
	if err != nil || res.Outcome == editlock.Denied {
		metrics.UpdateResult("rejected")
		return
	}
	if res.Outcome == editlock.Granted {
		h.broadcast(models.LockAcquiredEvent(res.Holder.Label()), client)
	}

	h.applyContent(content, client)
}

// acquire runs the lock request for client against the room's lock and the
// lock shared with other relays. A lapsed holder is announced as released
// before the request is answered, and the renewal timer is re-armed on
// grant or renewal.
func (h *Hub) acquire(client *Client, userID string) (editlock.Result, error) {
	prev, _ := h.lock.Holder()
	res := h.lock.Acquire(editlock.Holder{ConnID: client.id, UserID: userID}, time.Now())
	if res.Lapsed {
		h.announceRelease(prev.ConnID, "expired")
	}
	if res.Outcome == editlock.Denied {
		metrics.LockEvent(res.Outcome.String())
		return res, nil
	}

	granted, label, err := h.pipeline.ClaimLock(context.Background(), h.roomID, client.id, res.Holder.Label(), h.lockTimeout)
	if err != nil || !granted {
		// held by a connection on another relay, or nobody can tell
		h.lock.Release(client.id)
		if res.Outcome == editlock.Renewed {
			h.announceRelease(client.id, "released")
		}
		metrics.LockEvent(editlock.Denied.String())
		if err != nil {
			logger.Error("Edit lock of room %s unavailable: %v", h.roomID, err)
			return editlock.Result{Outcome: editlock.Denied}, errLockUnavailable
		}
		if label == "" {
			label = "another user"
		}
		return editlock.Result{Outcome: editlock.Denied, Holder: editlock.Holder{UserID: label}}, nil
	}

	metrics.LockEvent(res.Outcome.String())
	h.lockTimer.arm(time.Until(h.lock.Deadline()))
	return res, nil
}

// expireLock clears a holder whose deadline passed without the timer having
// been delivered yet. It reports whether it did.
func (h *Hub) expireLock() bool {
	holder, held := h.lock.Holder()
	if !held {
		return false
	}
	acquiredAt := h.lock.AcquiredAt()
	if !h.lock.Expire(time.Now()) {
		return false
	}
	logger.Debug("Edit lock of room %s held by %s since %s expired", h.roomID, holder.Label(), acquiredAt.Format(time.RFC3339))
	h.announceRelease(holder.ConnID, "expired")
	return true
}

// releaseLock frees the lock if connID holds it.
func (h *Hub) releaseLock(connID string) {
	if h.lock.Release(connID) {
		h.announceRelease(connID, "released")
	}
}

// announceRelease finishes a release the local lock already recorded: the
// timer and the shared lock are dropped and every reader is told.
func (h *Hub) announceRelease(connID, event string) {
	h.lockTimer.stop()
	h.pipeline.ReleaseLock(context.Background(), h.roomID, connID)
	metrics.LockEvent(event)
	h.broadcast(models.LockReleasedEvent(), nil)
}

// applyContent saves and broadcasts accepted content. A room that was
// deleted through another relay refuses the write and closes.
func (h *Hub) applyContent(content string, sender *Client) error {
	if err := h.pipeline.Save(context.Background(), h.roomID, content); err != nil {
		if errors.Is(err, database.ErrRoomNotFound) {
			metrics.UpdateResult("rejected")
			logger.Info("Room %s was deleted, closing %d connections", h.roomID, len(h.clients))
			h.closeDeleted()
			return ErrRoomDeleted
		}
		logger.Error("Fast tier write for room %s failed: %v", h.roomID, err)
	}
	h.content = content
	h.lastActivity = time.Now()
	metrics.UpdateResult("accepted")
	h.broadcast(models.UpdateEvent(content), sender)

	if !h.backupTimer.armed() {
		h.backupTimer.arm(h.pipeline.BackupDelay())
	}
	return nil
}

// closeDeleted stops the hub without a backup and closes every connection
// with CloseRoomDeleted.
func (h *Hub) closeDeleted() {
	h.backupTimer.stop()
	h.lockTimer.stop()
	if holder, held := h.lock.Holder(); held {
		h.pipeline.ReleaseLock(context.Background(), h.roomID, holder.ConnID)
	}
	h.closeCode = CloseRoomDeleted
	h.stopped = true
}

func (h *Hub) onTimer(ev timerFired) {
	switch ev.kind {
	case lockTimer:
		if !h.lockTimer.fired(ev) {
			return
		}
		if h.expireLock() {
			return
		}
		if _, held := h.lock.Holder(); held {
			h.lockTimer.arm(time.Until(h.lock.Deadline()))
		}

	case backupTimer:
		if !h.backupTimer.fired(ev) {
			return
		}
		h.pipeline.Backup(context.Background(), h.roomID, h.content)
	}
}

// flushPending writes a scheduled backup now.
func (h *Hub) flushPending() {
	if h.backupTimer.stop() {
		h.pipeline.Backup(context.Background(), h.roomID, h.content)
	}
}

func (h *Hub) applyAuth(client *Client, role models.Role, authorized bool) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	if authorized {
		client.role = role
		if !role.CanEdit() {
			h.releaseLock(client.id)
		}
	}
	h.send(client, models.AuthResultEvent(client.role, authorized))

	if client.role.CanRead() && !client.initialized {
		h.initialize(client)
	}
}

// send delivers ev to one client. A client whose buffer is full is dropped.
func (h *Hub) send(client *Client, ev models.Event) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	data, err := ev.Encode()
	if err != nil {
		logger.Error("Error encoding %s event: %v", ev.Type, err)
		return
	}
	if !h.deliver(client, data) {
		h.removeClient(client)
	}
}

// broadcast delivers ev to every reader except exclude. Clients that cannot
// keep up are dropped after the loop so the others still get the event.
func (h *Hub) broadcast(ev models.Event, exclude *Client) {
	data, err := ev.Encode()
	if err != nil {
		logger.Error("Error encoding %s event: %v", ev.Type, err)
		return
	}

	var slow []*Client
	for client := range h.clients {
		if client == exclude || !client.role.CanRead() {
			continue
		}
		if !h.deliver(client, data) {
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		logger.Warn("Dropping slow connection %s from room %s", client.id, h.roomID)
		h.removeClient(client)
	}
}

func (h *Hub) deliver(client *Client, data []byte) bool {
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}
