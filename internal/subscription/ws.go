package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/auction-relay/internal/apierr"
	"github.com/atmx/auction-relay/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	requestTimeout = 10 * time.Second

	// maxInflight caps concurrently served requests per connection. The
	// read loop stops reading while the cap is reached.
	maxInflight = 16
)

const (
	methodSubscribe          = "subscribe"
	methodUnsubscribe        = "unsubscribe"
	methodPostBid            = "post_bid"
	methodPostOpportunityBid = "post_opportunity_bid"

	statusSuccess = "success"
	statusError   = "error"
)

// BidSubmitter admits bids received over the socket.
type BidSubmitter interface {
	SubmitRawBid(ctx context.Context, bid model.Bid) (model.BidResult, error)
	SubmitOpportunityBid(ctx context.Context, opportunityID string, bid model.OpportunityBid) (model.BidResult, error)
}

// ClientMessage is the closed set of requests a client may send.
type ClientMessage interface {
	isClientMessage()
}

// Subscribe adds chain ids to the connection's subscriptions.
type Subscribe struct {
	ChainIDs []string `json:"chain_ids" validate:"required"`
}

// Unsubscribe removes chain ids from the connection's subscriptions.
type Unsubscribe struct {
	ChainIDs []string `json:"chain_ids" validate:"required"`
}

// PostBid submits a raw bid.
type PostBid struct {
	Bid model.Bid `json:"bid"`
}

// PostOpportunityBid submits a signed bid on an opportunity.
type PostOpportunityBid struct {
	OpportunityID  string               `json:"opportunity_id" validate:"required"`
	OpportunityBid model.OpportunityBid `json:"opportunity_bid"`
}

func (Subscribe) isClientMessage()          {}
func (Unsubscribe) isClientMessage()        {}
func (PostBid) isClientMessage()            {}
func (PostOpportunityBid) isClientMessage() {}

// clientRequest is the envelope of every inbound message.
type clientRequest struct {
	ID     *string         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// serverResponse answers one request. ID is omitted only when the request
// could not be parsed far enough to read it.
type serverResponse struct {
	ID     *string `json:"id,omitempty"`
	Status string  `json:"status"`
	Result any     `json:"result"`
}

var validate = validator.New()

// parseMessage decodes a client message. The returned id is nil when the
// envelope itself is malformed or carries no id.
func parseMessage(data []byte) (*string, ClientMessage, error) {
	var req clientRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", apierr.ErrMalformedMessage, err)
	}
	if req.ID == nil {
		return nil, nil, fmt.Errorf("%w: missing id", apierr.ErrMalformedMessage)
	}
	id := req.ID

	var msg ClientMessage
	switch req.Method {
	case methodSubscribe:
		msg = &Subscribe{}
	case methodUnsubscribe:
		msg = &Unsubscribe{}
	case methodPostBid:
		msg = &PostBid{}
	case methodPostOpportunityBid:
		msg = &PostOpportunityBid{}
	default:
		return id, nil, fmt.Errorf("%w: unknown method %q", apierr.ErrMalformedMessage, req.Method)
	}
	if len(req.Params) == 0 {
		return id, nil, fmt.Errorf("%w: missing params", apierr.ErrMalformedMessage)
	}
	if err := json.Unmarshal(req.Params, msg); err != nil {
		return id, nil, fmt.Errorf("%w: %v", apierr.ErrMalformedMessage, err)
	}
	if err := validate.Struct(msg); err != nil {
		return id, nil, fmt.Errorf("%w: %v", apierr.ErrMalformedMessage, err)
	}

	switch m := msg.(type) {
	case *Subscribe:
		return id, *m, nil
	case *Unsubscribe:
		return id, *m, nil
	case *PostBid:
		return id, *m, nil
	case *PostOpportunityBid:
		return id, *m, nil
	}
	return id, nil, fmt.Errorf("%w: unknown method %q", apierr.ErrMalformedMessage, req.Method)
}

// Server serves the WebSocket protocol at GET /v1/ws.
type Server struct {
	hub      *Hub
	bids     BidSubmitter
	upgrader websocket.Upgrader
}

// NewServer creates a WebSocket server backed by hub and bids.
func NewServer(hub *Hub, bids BidSubmitter) *Server {
	return &Server{
		hub:  hub,
		bids: bids,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS upgrades the request and serves the connection until either
// side closes it.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := s.hub.Register()
	ctx, cancel := context.WithCancel(context.Background())

	go s.writePump(ws, c)
	go func() {
		defer cancel()
		defer s.hub.Unregister(c)
		s.readPump(ctx, ws, c)
	}()
}

func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, c *Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	var inflight errgroup.Group
	inflight.SetLimit(maxInflight)
	defer inflight.Wait()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("ws read failed", "conn", c.ID(), "err", err)
			}
			return
		}
		inflight.Go(func() error {
			s.serve(ctx, c, data)
			return nil
		})
	}
}

// writePump is the only writer of ws. It exits when the send queue is
// closed or a write fails.
func (s *Server) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serve handles one request and queues its response. Requests on the same
// connection run concurrently; the id ties each response to its request.
func (s *Server) serve(ctx context.Context, c *Conn, data []byte) {
	var id *string
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ws request panicked", "conn", c.ID(), "panic", r)
			s.respond(c, id, nil, errors.New("internal error"))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	id, msg, err := parseMessage(data)
	if err != nil {
		s.respond(c, id, nil, err)
		return
	}
	result, err := s.dispatch(ctx, c, msg)
	s.respond(c, id, result, err)
}

func (s *Server) dispatch(ctx context.Context, c *Conn, msg ClientMessage) (any, error) {
	switch m := msg.(type) {
	case Subscribe:
		return nil, s.hub.Subscribe(c, m.ChainIDs)
	case Unsubscribe:
		return nil, s.hub.Unsubscribe(c, m.ChainIDs)
	case PostBid:
		return s.bids.SubmitRawBid(ctx, m.Bid)
	case PostOpportunityBid:
		return s.bids.SubmitOpportunityBid(ctx, m.OpportunityID, m.OpportunityBid)
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", apierr.ErrMalformedMessage, msg)
	}
}

func (s *Server) respond(c *Conn, id *string, result any, err error) {
	resp := serverResponse{ID: id, Status: statusSuccess, Result: result}
	if err != nil {
		resp.Status = statusError
		resp.Result = clientError(err)
	}
	data, mErr := json.Marshal(resp)
	if mErr != nil {
		slog.Error("encode ws response", "err", mErr)
		return
	}
	s.hub.reply(c, data)
}

// clientError hides internal error details from clients.
func clientError(err error) string {
	if apierr.IsClientError(err) {
		return err.Error()
	}
	slog.Error("ws request failed", "err", err)
	return "internal error"
}
