// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dyno-dev/dyno/internal/agent"
	"github.com/dyno-dev/dyno/internal/capability"
	"github.com/dyno-dev/dyno/internal/provider"
)

// inboundMessage is the union of all client-to-gateway message shapes.
type inboundMessage struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	Prompt      string          `json:"prompt"`
	Message     string          `json:"message"`
	Model       string          `json:"model"`
	EditedInput json.RawMessage `json:"editedInput"`
	History     []chatTurn      `json:"history"`
	Attachments []attachment    `json:"attachments"`

	MemoryContext        string `json:"memoryContext"`
	IncludeSystemContext *bool  `json:"includeSystemContext"`
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type attachment struct {
	Type string `json:"type"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// conn is the per-connection state: one registry of children, one approval
// gate, at most one root loop at a time, and a single writer goroutine.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	gate     *agent.Gate
	registry *agent.Registry
	outbound chan agent.Event
	client   provider.Client

	mu         sync.Mutex
	rootLoop   *agent.Loop
	rootDone   chan struct{}
	rootCancel context.CancelFunc
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client, err := s.provider.Default()
	if err != nil {
		s.logger.Error("no provider configured", "error", err)
		_ = ws.WriteJSON(agent.Event{Type: agent.EventError, SessionID: agent.MasterSessionID, Message: "no provider configured"})
		_ = ws.Close()
		return
	}

	count := s.caps.Reload()
	s.activeConnections.Add(1)
	s.logger.Info("connection opened", "remote", ws.RemoteAddr().String(),
		"connections", s.activeConnections.Load(), "capabilities", count)

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		srv:      s,
		ws:       ws,
		ctx:      ctx,
		cancel:   cancel,
		gate:     agent.NewGate(),
		outbound: make(chan agent.Event, 256),
		client:   client,
	}
	c.registry = agent.NewRegistry(s.cfg.Agent.MaxChildren, c.childLoopFactory)
	s.addRegistry(c.registry)

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		c.writePump()
	}()

	c.readLoop()

	// Teardown: stop the root loop and wait for it to unwind before the
	// registry is cleaned, so its orchestration capabilities cannot spawn
	// into a cleaned registry. Then stop the children and let the writer
	// drain.
	c.mu.Lock()
	if c.rootLoop != nil {
		c.rootLoop.Cancel()
	}
	rootDone := c.rootDone
	c.mu.Unlock()
	c.gate.DenyAll()
	cancel()
	if rootDone != nil {
		<-rootDone
	}
	if n := c.registry.Count(); n > 0 {
		s.logger.Info("cleaning up child sessions", "count", n)
	}
	c.registry.Cleanup()
	s.removeRegistry(c.registry)
	writers.Wait()
	_ = ws.Close()

	s.activeConnections.Add(-1)
	s.logger.Info("connection closed", "connections", s.activeConnections.Load())
}

// writePump is the single writer for the socket. It exits on write failure
// or connection teardown; events produced after that are dropped.
func (c *conn) writePump() {
	for {
		select {
		case ev := <-c.outbound:
			if err := c.ws.WriteJSON(ev); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// send queues an event, defaulting the session id to master. Events are
// dropped when the connection is going away.
func (c *conn) send(ev agent.Event) {
	if ev.SessionID == "" {
		ev.SessionID = agent.MasterSessionID
	}
	select {
	case c.outbound <- ev:
	case <-c.ctx.Done():
	}
}

// sink adapts send to the loop event interface.
func (c *conn) sink() agent.Sink {
	return agent.FuncSink(func(_ context.Context, ev agent.Event) error {
		c.send(ev)
		return nil
	})
}

func (c *conn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg inboundMessage) {
	switch msg.Type {
	case "ping":
		c.send(agent.Event{
			Type:        agent.EventPong,
			Uptime:      c.srv.uptime(),
			ActiveTasks: int(c.srv.activeTasks.Load()),
		})

	case "chat":
		c.startRoot(msg, true)

	case "start":
		c.startRoot(msg, false)

	case "approve", "deny":
		// Unknown or already-decided proposals are ignored.
		c.gate.Resolve(msg.ID, agent.Decision{
			Approved:    msg.Type == "approve",
			EditedInput: msg.EditedInput,
		})

	case "cancel":
		if msg.SessionID == "" || msg.SessionID == agent.MasterSessionID {
			// Mark the loop cancelled before releasing any parked proposal,
			// so the denial cannot race another model turn.
			c.mu.Lock()
			if c.rootLoop != nil {
				c.rootLoop.Cancel()
			}
			if c.rootCancel != nil {
				c.rootCancel()
			}
			c.mu.Unlock()
			c.gate.DenyAll()
		}

	case "child_chat":
		c.childChat(msg)

	case "cancel_session":
		c.cancelSession(msg.SessionID)
	}
}

// rootActive reports whether a root loop is still running.
func (c *conn) rootActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rootDone == nil {
		return false
	}
	select {
	case <-c.rootDone:
		return false
	default:
		return true
	}
}

// startRoot launches the root conversation loop for a chat or build
// request. chatMode reports the terminal event as chat_response instead of
// done.
func (c *conn) startRoot(msg inboundMessage, chatMode bool) {
	if c.rootActive() {
		c.send(agent.Event{Type: agent.EventError, Message: "Agent is already processing a request."})
		return
	}
	prompt := strings.TrimSpace(msg.Prompt)
	if prompt == "" {
		c.send(agent.Event{Type: agent.EventError, Message: "prompt is required"})
		return
	}

	// A finished run can leave proposals nobody will answer; clear them
	// before the new loop registers its own.
	c.gate.DenyAll()

	prompt = augmentPrompt(prompt, msg.MemoryContext, msg.Attachments)
	cfg := c.srv.cfg

	model := msg.Model
	if model == "" {
		model = cfg.Agent.DefaultModel
	}

	system := agent.SystemPrompt(cfg.Agent.DataDir)
	if chatMode && msg.IncludeSystemContext != nil && !*msg.IncludeSystemContext {
		system = ""
	}

	var history []provider.Message
	for _, turn := range msg.History {
		role := provider.MessageRoleUser
		if turn.Role == "assistant" {
			role = provider.MessageRoleAssistant
		}
		history = append(history, provider.TextMessage(role, turn.Content))
	}

	sink := c.sink()
	if chatMode {
		sink = chatResponseSink(sink)
	}

	catalog := capability.NewOverlay(c.srv.caps, c.orchestrationCapabilities(), nil)
	loop := agent.NewLoop(agent.Options{
		Provider:          c.client,
		Catalog:           catalog,
		Policy:            c.srv.policy,
		Approver:          c.gate,
		Sink:              sink,
		Logger:            c.srv.logger,
		Metrics:           c.srv.metrics,
		SessionID:         agent.MasterSessionID,
		Model:             model,
		SystemPrompt:      system,
		MaxTokens:         cfg.Agent.MaxTokens,
		MaxIterations:     cfg.Agent.MaxIterations,
		InputCostPerMTok:  cfg.Pricing.InputPerMTok,
		OutputCostPerMTok: cfg.Pricing.OutputPerMTok,
	})

	runCtx, runCancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.rootLoop = loop
	c.rootDone = done
	c.rootCancel = runCancel
	c.mu.Unlock()

	c.srv.activeTasks.Add(1)
	go func() {
		defer close(done)
		defer c.srv.activeTasks.Add(-1)
		defer runCancel()
		if _, err := loop.Run(runCtx, prompt, history); err != nil {
			c.srv.logger.Warn("root loop failed", "error", err)
		}
	}()
}

// chatResponseSink rewrites the terminal done event into a chat_response.
func chatResponseSink(next agent.Sink) agent.Sink {
	return agent.FuncSink(func(ctx context.Context, ev agent.Event) error {
		if ev.Type == agent.EventDone && ev.SessionID == agent.MasterSessionID {
			ev = agent.Event{
				Type:      agent.EventChatResponse,
				SessionID: ev.SessionID,
				Response:  ev.Summary,
				TokensIn:  ev.TokensIn,
				TokensOut: ev.TokensOut,
			}
		}
		return next.Emit(ctx, ev)
	})
}

// childChat continues a finished child with a user follow-up.
func (c *conn) childChat(msg inboundMessage) {
	target := msg.SessionID
	message := strings.TrimSpace(msg.Message)
	if target == "" || message == "" {
		c.send(agent.Event{
			Type:      agent.EventError,
			SessionID: orMaster(target),
			Message:   "sessionId and message are required",
		})
		return
	}

	info, ok := c.registry.Get(target)
	if !ok {
		c.send(agent.Event{Type: agent.EventError, SessionID: target, Message: "Session " + target + " not found"})
		return
	}
	if info.Status == agent.ChildRunning || info.Status == agent.ChildTerminated {
		c.send(agent.Event{
			Type:      agent.EventError,
			SessionID: target,
			Message:   "Session " + target + " is " + info.Status + ", wait for it to finish",
		})
		return
	}

	c.send(agent.Event{Type: agent.EventSessionStatus, SessionID: target, Status: agent.ChildRunning})

	c.srv.activeTasks.Add(1)
	err := c.registry.Continue(c.ctx, target, message, func(final agent.ChildInfo) {
		c.srv.activeTasks.Add(-1)
		// Status only: the child stays available for more follow-ups.
		c.send(agent.Event{Type: agent.EventSessionStatus, SessionID: target, Status: final.Status})
	})
	if err != nil {
		c.srv.activeTasks.Add(-1)
		c.send(agent.Event{Type: agent.EventError, SessionID: target, Message: err.Error()})
	}
}

// cancelSession terminates a child and reports a synthetic session_ended.
func (c *conn) cancelSession(target string) {
	if target == "" {
		return
	}
	c.registry.Terminate(target)
	info, _ := c.registry.Get(target)
	c.send(agent.Event{
		Type:      agent.EventSessionEnded,
		SessionID: target,
		Status:    agent.ChildTerminated,
		TokensIn:  info.TokensIn,
		TokensOut: info.TokensOut,
		Model:     info.Model,
	})
}

// childLoopFactory builds loops for spawned children: the shared catalog
// without orchestration capabilities, and every proposal denied.
func (c *conn) childLoopFactory(sessionID, model string, sink agent.Sink) *agent.Loop {
	cfg := c.srv.cfg
	catalog := capability.NewOverlay(c.srv.caps, nil, orchestrationNames())
	return agent.NewLoop(agent.Options{
		Provider:          c.client,
		Catalog:           catalog,
		Policy:            c.srv.policy,
		Approver:          agent.DenyAllApprover{},
		Sink:              sink,
		Logger:            c.srv.logger,
		Metrics:           c.srv.metrics,
		SessionID:         sessionID,
		Model:             model,
		SystemPrompt:      agent.SystemPrompt(cfg.Agent.DataDir),
		MaxTokens:         cfg.Agent.MaxTokens,
		MaxIterations:     cfg.Agent.MaxIterations,
		InputCostPerMTok:  cfg.Pricing.InputPerMTok,
		OutputCostPerMTok: cfg.Pricing.OutputPerMTok,
	})
}

// augmentPrompt prepends selected memories and appends an attachment
// manifest to the user prompt.
func augmentPrompt(prompt, memoryContext string, attachments []attachment) string {
	if memoryContext = strings.TrimSpace(memoryContext); memoryContext != "" {
		prompt = "## User's Selected Memories\n" + memoryContext + "\n\n---\n\n" + prompt
	}
	if len(attachments) == 0 {
		return prompt
	}
	lines := []string{"\n\n## Attached Context"}
	for _, att := range attachments {
		switch att.Type {
		case "file":
			name := att.Name
			if name == "" {
				name = "unknown"
			}
			lines = append(lines, "- Uploaded file: `"+name+"` (use read_file to read it)")
		case "url":
			lines = append(lines, "- URL: "+att.URL+" (use fetch_url to fetch it)")
		}
	}
	return prompt + strings.Join(lines, "\n")
}

func orMaster(sessionID string) string {
	if sessionID == "" {
		return agent.MasterSessionID
	}
	return sessionID
}
