// Package brokertest provides an in-process resource broker for tests and
// local development: a registration endpoint, a CTS-driven resource stream,
// and a transfer endpoint serving scripted bytes.
package brokertest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Resource is one scripted downloadable item
type Resource struct {
	ID               string
	Data             []byte
	Filename         string
	Type             string
	SerialisedFormat string
	Properties       map[string]any
}

// streamEvent is one scripted stream reply: a resource or an error text
type streamEvent struct {
	resource *Resource
	errText  string
}

// transferFailure scripts a non-success transfer response for one resource
type transferFailure struct {
	status int
	body   string
}

// Broker is a scriptable fake of the remote brokering service
type Broker struct {
	mu sync.Mutex

	token     string
	events    []streamEvent
	byID      map[string]*Resource
	failures  map[string]transferFailure
	counts    map[string]int
	dropAfter int // close the stream connection after n replies; 0 = never

	rejectStatus int
	rejectBody   string

	e   *echo.Echo
	srv *httptest.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New creates an empty broker with a fresh token
func New() *Broker {
	b := &Broker{
		token:    uuid.New().String(),
		byID:     make(map[string]*Resource),
		failures: make(map[string]transferFailure),
		counts:   make(map[string]int),
	}

	e := echo.New()
	e.HideBanner = true
	e.POST("/register", b.handleRegister)
	e.GET("/stream", b.handleStream)
	e.POST("/transfer", b.handleTransfer)
	b.e = e

	return b
}

// Token returns the token the broker issues on registration
func (b *Broker) Token() string { return b.token }

// AddResource scripts a resource announcement followed by its bytes
func (b *Broker) AddResource(res Resource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := res
	b.events = append(b.events, streamEvent{resource: &stored})
	b.byID[res.ID] = &stored
}

// AddError scripts an ERROR stream message at the current script position
func (b *Broker) AddError(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, streamEvent{errText: text})
}

// FailTransfer scripts a non-success transfer response for a resource id
func (b *Broker) FailTransfer(id string, status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[id] = transferFailure{status: status, body: body}
}

// ClearTransferFailure lets a previously failing resource transfer
// succeed again
func (b *Broker) ClearTransferFailure(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, id)
}

// DropStreamAfter closes the stream connection after n replies without
// sending COMPLETE, simulating a mid-stream disconnect. Only the first
// connection is dropped; reconnects replay the full script.
func (b *Broker) DropStreamAfter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropAfter = n
}

// TransferCount returns how many transfer requests were made for a
// resource id
func (b *Broker) TransferCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[id]
}

// RejectRegistration makes the registration endpoint answer with the given
// status and body
func (b *Broker) RejectRegistration(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectStatus = status
	b.rejectBody = body
}

// Start begins serving on an ephemeral port
func (b *Broker) Start() {
	b.srv = httptest.NewServer(b.e)
}

// Close shuts the broker down
func (b *Broker) Close() {
	if b.srv != nil {
		b.srv.Close()
	}
}

// RegistrationURL returns the registration endpoint URL
func (b *Broker) RegistrationURL() string { return b.srv.URL + "/register" }

// StreamURL returns the websocket stream URL
func (b *Broker) StreamURL() string {
	return strings.Replace(b.srv.URL, "http://", "ws://", 1) + "/stream"
}

// TransferURL returns the transfer endpoint URL
func (b *Broker) TransferURL() string { return b.srv.URL + "/transfer" }

func (b *Broker) handleRegister(c echo.Context) error {
	var req struct {
		UserID     string `json:"userId"`
		ResourceID string `json:"resourceId"`
		Context    string `json:"context"`
	}
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "invalid registration body")
	}
	if req.UserID == "" || req.ResourceID == "" {
		return c.String(http.StatusBadRequest, "userId and resourceId are required")
	}

	b.mu.Lock()
	rejectStatus, rejectBody := b.rejectStatus, b.rejectBody
	b.mu.Unlock()
	if rejectStatus != 0 {
		return c.String(rejectStatus, rejectBody)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"token":     b.token,
		"streamUrl": b.StreamURL(),
	})
}

// handleStream implements the broker side of the CTS protocol: one reply
// per CTS, COMPLETE when the script is exhausted, and an immediate COMPLETE
// without waiting for a CTS when the script is empty.
func (b *Broker) handleStream(c echo.Context) error {
	if c.QueryParam("token") != b.token {
		return c.String(http.StatusForbidden, "unknown token")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	b.mu.Lock()
	events := b.events
	dropAfter := b.dropAfter
	b.dropAfter = 0
	b.mu.Unlock()

	if len(events) == 0 {
		conn.WriteJSON(map[string]any{"type": "COMPLETE", "token": b.token})
		return nil
	}

	sent := 0
	cursor := 0
	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		if msg.Type != "CTS" {
			continue
		}

		if dropAfter > 0 && sent >= dropAfter {
			return nil // deferred conn.Close drops the channel mid-stream
		}

		if cursor >= len(events) {
			conn.WriteJSON(map[string]any{"type": "COMPLETE", "token": b.token})
			return nil
		}

		ev := events[cursor]
		cursor++
		sent++

		if ev.resource != nil {
			conn.WriteJSON(map[string]any{
				"type":             "RESOURCE",
				"id":               ev.resource.ID,
				"token":            b.token,
				"url":              b.TransferURL(),
				"resourceType":     ev.resource.Type,
				"serialisedFormat": ev.resource.SerialisedFormat,
				"properties":       ev.resource.Properties,
			})
		} else {
			conn.WriteJSON(map[string]any{
				"type":  "ERROR",
				"token": b.token,
				"text":  ev.errText,
			})
		}
	}
}

func (b *Broker) handleTransfer(c echo.Context) error {
	var req struct {
		Token          string `json:"token"`
		LeafResourceID string `json:"leafResourceId"`
	}
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "invalid transfer body")
	}
	if req.Token != b.token {
		return c.String(http.StatusForbidden, "unknown token")
	}

	b.mu.Lock()
	failure, failed := b.failures[req.LeafResourceID]
	res, exists := b.byID[req.LeafResourceID]
	b.counts[req.LeafResourceID]++
	b.mu.Unlock()

	if failed {
		return c.String(failure.status, failure.body)
	}
	if !exists {
		return c.String(http.StatusNotFound, "")
	}

	if res.Filename != "" {
		c.Response().Header().Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", res.Data)
}
