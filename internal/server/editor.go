// Package server implements the editor/tool collaborator surface: a
// WebSocket endpoint that streams script lifecycle events (reload state
// transitions, restore warnings, tool-flag changes, placeholder
// promotions) to subscribed editor clients and accepts inspection and
// reload commands.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zot/script-engine/internal/config"
	"github.com/zot/script-engine/internal/engine"
	"github.com/zot/script-engine/internal/script"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Editor connections are local
	},
}

// Command is a request from an editor client.
type Command struct {
	Cmd  string `json:"cmd"`
	Path string `json:"path,omitempty"`
}

// ScriptSummary is one row of the "scripts" listing.
type ScriptSummary struct {
	Path        string `json:"path"`
	ClassName   string `json:"className"`
	NativeBase  string `json:"nativeBase"`
	Valid       bool   `json:"valid"`
	Tool        bool   `json:"tool"`
	Abstract    bool   `json:"abstract"`
	ReloadState string `json:"reloadState,omitempty"`
	Instances   int    `json:"instances"`
}

// ScriptDetail is the full reflection dump of one script.
type ScriptDetail struct {
	ScriptSummary
	Properties []script.PropertyInfo `json:"properties"`
	Methods    []script.MethodInfo   `json:"methods"`
	Signals    []script.SignalInfo   `json:"signals"`
}

// EditorEndpoint pushes lifecycle events to editor clients.
type EditorEndpoint struct {
	config      *config.Config
	engine      *engine.Engine
	connections map[string]*websocket.Conn // connectionID -> conn
	writeMu     map[string]*sync.Mutex     // connectionID -> write lock
	mu          sync.RWMutex
	httpServer  *http.Server
}

// NewEditorEndpoint creates the endpoint and subscribes it to language
// lifecycle events. Subscribe before engine.Start so load events are not
// missed.
func NewEditorEndpoint(cfg *config.Config, eng *engine.Engine) *EditorEndpoint {
	ep := &EditorEndpoint{
		config:      cfg,
		engine:      eng,
		connections: make(map[string]*websocket.Conn),
		writeMu:     make(map[string]*sync.Mutex),
	}
	eng.Language().Subscribe(ep.broadcastEvent)
	return ep
}

// Log logs a message via the config.
func (ep *EditorEndpoint) Log(level int, format string, args ...interface{}) {
	ep.config.Log(level, format, args...)
}

// Start serves the endpoint on the configured host and port.
func (ep *EditorEndpoint) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/editor", ep.handleWebSocket)

	addr := fmt.Sprintf("%s:%d", ep.config.Editor.Host, ep.config.Editor.Port)
	ep.httpServer = &http.Server{Addr: addr, Handler: mux}

	ep.Log(1, "editor: listening on ws://%s/editor", addr)
	go func() {
		if err := ep.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ep.Log(0, "editor: server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the endpoint down.
func (ep *EditorEndpoint) Stop() error {
	if ep.httpServer != nil {
		return ep.httpServer.Close()
	}
	return nil
}

// handleWebSocket upgrades a connection and serves commands until it drops.
func (ep *EditorEndpoint) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ep.Log(1, "editor: upgrade failed: %v", err)
		return
	}

	connID := uuid.NewString()
	ep.mu.Lock()
	ep.connections[connID] = conn
	ep.writeMu[connID] = &sync.Mutex{}
	ep.mu.Unlock()
	ep.Log(1, "editor: client %s connected", connID)

	defer func() {
		ep.mu.Lock()
		delete(ep.connections, connID)
		delete(ep.writeMu, connID)
		ep.mu.Unlock()
		conn.Close()
		ep.Log(1, "editor: client %s disconnected", connID)
	}()

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		response := ep.handleCommand(cmd)
		if response != nil {
			ep.send(connID, response)
		}
	}
}

// handleCommand runs one editor command. Anything touching script state
// goes through the engine executor.
func (ep *EditorEndpoint) handleCommand(cmd Command) interface{} {
	switch cmd.Cmd {
	case "scripts":
		result, _ := ep.engine.Execute(func() (interface{}, error) {
			return ep.listScripts(), nil
		})
		return map[string]interface{}{"type": "scripts", "scripts": result}

	case "inspect":
		result, err := ep.engine.Execute(func() (interface{}, error) {
			return ep.inspect(cmd.Path)
		})
		if err != nil {
			return errorResponse(err)
		}
		return map[string]interface{}{"type": "script", "script": result}

	case "reload":
		_, err := ep.engine.Execute(func() (interface{}, error) {
			_, err := ep.engine.Loader().LoadFile(cmd.Path)
			return nil, err
		})
		if err != nil {
			return errorResponse(err)
		}
		return map[string]interface{}{"type": "reloaded", "path": cmd.Path}

	default:
		return errorResponse(fmt.Errorf("unknown command %q", cmd.Cmd))
	}
}

func errorResponse(err error) interface{} {
	return map[string]interface{}{"type": "error", "error": err.Error()}
}

// listScripts summarizes every loaded script. Runs on the executor.
func (ep *EditorEndpoint) listScripts() []ScriptSummary {
	var out []ScriptSummary
	for _, s := range ep.engine.Language().Scripts() {
		out = append(out, summarize(s))
	}
	return out
}

// inspect returns the reflection dump for one script. Runs on the executor.
func (ep *EditorEndpoint) inspect(path string) (*ScriptDetail, error) {
	s, ok := ep.engine.Language().Script(path)
	if !ok {
		return nil, fmt.Errorf("script %s is not loaded", path)
	}
	detail := &ScriptDetail{
		ScriptSummary: summarize(s),
		Properties:    s.PropertyList(),
		Signals:       s.SignalList(true),
	}
	if r := s.Reflection(); r != nil {
		detail.Methods = r.Methods()
	}
	return detail, nil
}

func summarize(s *script.Script) ScriptSummary {
	info := s.TypeInfo()
	summary := ScriptSummary{
		Path:       s.Path(),
		ClassName:  info.ClassName,
		NativeBase: info.NativeBaseName,
		Valid:      s.Valid(),
		Tool:       info.IsTool,
		Abstract:   info.IsAbstract,
		Instances:  s.InstanceCount(),
	}
	if c := s.Reloader(); c != nil {
		summary.ReloadState = c.State().String()
	}
	return summary
}

// broadcastEvent pushes a lifecycle event to every connected client.
// Called from the engine executor; sends must not block script mutation,
// so slow clients are dropped rather than waited on.
func (ep *EditorEndpoint) broadcastEvent(ev script.Event) {
	ep.mu.RLock()
	ids := make([]string, 0, len(ep.connections))
	for id := range ep.connections {
		ids = append(ids, id)
	}
	ep.mu.RUnlock()

	for _, id := range ids {
		ep.send(id, ev)
	}
}

// send writes one JSON message to a connection, serialized per connection.
func (ep *EditorEndpoint) send(connID string, msg interface{}) {
	ep.mu.RLock()
	conn := ep.connections[connID]
	lock := ep.writeMu[connID]
	ep.mu.RUnlock()
	if conn == nil || lock == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		ep.Log(1, "editor: marshal error: %v", err)
		return
	}

	lock.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	lock.Unlock()
	if err != nil {
		ep.Log(2, "editor: write to %s failed: %v", connID, err)
		ep.mu.Lock()
		delete(ep.connections, connID)
		delete(ep.writeMu, connID)
		ep.mu.Unlock()
		conn.Close()
	}
}
