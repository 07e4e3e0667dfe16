// Package egress turns settled poses and map points into the outward-
// facing conveniences spec.md §6 calls for: a live websocket dashboard
// feed, a trajectory file, a PCD map dump, and an optional sqlite
// session log. None of these is the out-of-scope middleware transport
// spec.md's Non-goals exclude — they are visualisation/logging sinks a
// caller wires in voluntarily.
//
// WSHub's join/leave/forward channel shape is grounded directly on
// the teacher's ahrsweb.Room (ahrsweb/room.go): a single goroutine
// owns client bookkeeping, receiving joins/leaves/broadcasts over
// channels instead of a mutex, so the broadcaster never blocks on a
// slow client.
package egress

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lio-go/fastlio/internal/pipeline"
	"github.com/lio-go/fastlio/internal/point"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 16
)

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

// poseJSON is the JSON shape of a pipeline.Pose pushed to dashboard
// clients: position plus orientation quaternion in w,x,y,z order.
type poseJSON struct {
	Position [3]float64 `json:"position"`
	Quat     [4]float64 `json:"quat"`
}

func poseJSONOf(p pipeline.Pose) poseJSON {
	return poseJSON{
		Position: [3]float64{p.P.X, p.P.Y, p.P.Z},
		Quat:     [4]float64{p.R.W, p.R.X, p.R.Y, p.R.Z},
	}
}

// frameMessage is the single envelope every egress channel marshals to;
// Kind names which fields are populated so the dashboard client can
// dispatch on one message type.
type frameMessage struct {
	Kind            string      `json:"kind"`
	T               float64     `json:"t,omitempty"`
	Pose            *poseJSON   `json:"pose,omitempty"`
	Cov             []float64   `json:"cov,omitempty"`
	Path            []poseJSON  `json:"path,omitempty"`
	Points          [][3]float64 `json:"points,omitempty"`
	ConditionNumber float64     `json:"condition_number,omitempty"`
}

// WSHub fans settled poses out to every connected websocket client.
type WSHub struct {
	forward chan []byte
	join    chan *wsClient
	leave   chan *wsClient
	clients map[*wsClient]bool
	logger  *slog.Logger
}

// NewWSHub constructs a hub. Call Run in its own goroutine before
// serving any connections.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		forward: make(chan []byte),
		join:    make(chan *wsClient),
		leave:   make(chan *wsClient),
		clients: make(map[*wsClient]bool),
		logger:  logger,
	}
}

// Run owns client bookkeeping and message fan-out; it never returns.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.join:
			h.clients[c] = true
			h.logger.Info("egress: dashboard client joined")
		case c := <-h.leave:
			delete(h.clients, c)
			close(c.send)
			h.logger.Info("egress: dashboard client left")
		case msg := <-h.forward:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("egress: dropping message, client send buffer full")
				}
			}
		}
	}
}

// Odometry implements pipeline.Egress: fan the settled pose and its
// covariance out to every connected client.
func (h *WSHub) Odometry(te float64, pose pipeline.Pose, cov [36]float64) {
	p := poseJSONOf(pose)
	h.broadcast(frameMessage{Kind: "odometry", T: te, Pose: &p, Cov: cov[:]})
}

// Path implements pipeline.Egress: broadcast the full accumulated
// trajectory so far.
func (h *WSHub) Path(poses []pipeline.Pose) {
	path := make([]poseJSON, len(poses))
	for i, p := range poses {
		path[i] = poseJSONOf(p)
	}
	h.broadcast(frameMessage{Kind: "path", Path: path})
}

// RegisteredScanWorld implements pipeline.Egress.
func (h *WSHub) RegisteredScanWorld(pts point.Cloud) {
	h.broadcast(frameMessage{Kind: "scan_world", Points: pointsOf(pts)})
}

// RegisteredScanBody implements pipeline.Egress.
func (h *WSHub) RegisteredScanBody(pts point.Cloud) {
	h.broadcast(frameMessage{Kind: "scan_body", Points: pointsOf(pts)})
}

// ConditionNumber implements pipeline.Egress.
func (h *WSHub) ConditionNumber(c float64) {
	h.broadcast(frameMessage{Kind: "condition_number", ConditionNumber: c})
}

// FrameBroadcast implements pipeline.Egress: announce the world -> base
// coordinate transform at te.
func (h *WSHub) FrameBroadcast(te float64, worldToBase pipeline.Pose) {
	p := poseJSONOf(worldToBase)
	h.broadcast(frameMessage{Kind: "frame", T: te, Pose: &p})
}

func pointsOf(pts point.Cloud) [][3]float64 {
	out := make([][3]float64, len(pts))
	for i, p := range pts {
		out[i] = [3]float64{p.Pos.X, p.Pos.Y, p.Pos.Z}
	}
	return out
}

func (h *WSHub) broadcast(msg frameMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("egress: failed to marshal frame", "err", err)
		return
	}
	h.forward <- b
}

// ServeHTTP upgrades the request to a websocket and registers the new
// client with the hub, the same handshake ahrsweb.Room.ServeHTTP uses.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Error("egress: websocket upgrade failed", "err", err)
		return
	}
	c := &wsClient{socket: socket, send: make(chan []byte, messageBufferSize), hub: h}
	h.join <- c
	defer func() { h.leave <- c }()
	go c.write()
	c.read()
}

type wsClient struct {
	socket *websocket.Conn
	send   chan []byte
	hub    *WSHub
}

func (c *wsClient) write() {
	for msg := range c.send {
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.socket.Close()
}

// read drains and discards inbound frames purely to detect the client
// closing the connection; the dashboard is output-only.
func (c *wsClient) read() {
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			_ = c.socket.Close()
			break
		}
	}
}
