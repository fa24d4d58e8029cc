// Package fakenode runs an in-process fulcrum-style JSON-RPC socket server
// for exercising the subscription client and trackers without a network.
package fakenode

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

type Handler func(params []json.RawMessage) (any, error)

type Server struct {
	ln net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	handlers map[string]Handler
	calls    map[string]int
}

func New() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:       ln,
		conns:    make(map[net.Conn]struct{}),
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
	}
	s.Handle("server.ping", func([]json.RawMessage) (any, error) { return nil, nil })
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Notify pushes a notification to every live connection.
func (s *Server) Notify(method string, params any) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		panic(err)
	}
	payload = append(payload, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_, _ = conn.Write(payload)
	}
}

// DropConnections force-closes every live connection to simulate an
// upstream outage.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = make(map[net.Conn]struct{})
}

func (s *Server) Close() {
	_ = s.ln.Close()
	s.DropConnections()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		s.mu.Lock()
		handler, found := s.handlers[req.Method]
		s.calls[req.Method]++
		s.mu.Unlock()

		var payload []byte
		if !found {
			payload, _ = json.Marshal(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32601, "message": fmt.Sprintf("unknown method %s", req.Method)},
			})
		} else if result, err := handler(req.Params); err != nil {
			payload, _ = json.Marshal(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": 1, "message": err.Error()},
			})
		} else {
			payload, _ = json.Marshal(map[string]any{
				"jsonrpc": "2.0", "id": req.ID, "result": result,
			})
		}
		payload = append(payload, '\n')
		if _, err := conn.Write(payload); err != nil {
			return
		}
	}
}
