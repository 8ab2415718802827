package donorwire

import (
	"context"
	"net/http"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tenantmigration"
)

// donorPath is where a member serves the donorwire endpoint.
const donorPath = "/donor"

// Backend answers the three donor queries for one member. The donor
// simulator adapts its fake replica set to this; a real donor would adapt
// its storage.
type Backend interface {
	Hello(ctx context.Context) (MemberStatus, error)
	LatestPosition(ctx context.Context) (tenantmigration.OpTime, error)
	InProgressTransactions(ctx context.Context) ([]tenantmigration.TransactionRecord, error)
}

// Server serves the donorwire protocol for one member over HTTP upgrade.
type Server struct {
	Backend Backend
	// Logger defaults to a no-op logger.
	Logger zerolog.Logger

	upgrader websocket.Upgrader
	once     sync.Once
}

// ServeHTTP implements http.Handler. Each connection is handled until the
// peer goes away; requests on one connection are answered in order.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.once.Do(func() {
		s.upgrader = websocket.Upgrader{
			Subprotocols:      []string{"cbor"},
			EnableCompression: true,
		}
	})
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("donor_upgrade_failed")
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := cbor.Unmarshal(data, &req); err != nil {
			s.Logger.Warn().Err(err).Msg("donor_request_undecodable")
			continue
		}
		payload, err := cbor.Marshal(s.handle(r.Context(), req))
		if err != nil {
			s.Logger.Error().Err(err).Msg("donor_response_unencodable")
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, req request) response {
	resp := response{ID: req.ID}
	switch req.Method {
	case methodHello:
		member, err := s.Backend.Hello(ctx)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Member = &member
	case methodLatestPosition:
		pos, err := s.Backend.LatestPosition(ctx)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		wire := toWirePosition(pos)
		resp.Position = &wire
	case methodInProgressTransactions:
		records, err := s.Backend.InProgressTransactions(ctx)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		resp.Transactions = make([]wireTransaction, 0, len(records))
		for _, record := range records {
			resp.Transactions = append(resp.Transactions, toWireTransaction(record))
		}
	default:
		resp.Error = "unknown method " + req.Method
	}
	return resp
}
