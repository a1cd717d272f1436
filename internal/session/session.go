// Package session turns one accepted connection into validated operations
// against the order book and the user directory.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kestrel/internal/book"
	"kestrel/internal/directory"
	"kestrel/internal/wire"
)

// State of the per-connection machine. The loop is
// AwaitingData -> Processing -> Responding -> AwaitingData, with Closing
// terminal.
type State int

const (
	AwaitingData State = iota
	Processing
	Responding
	Closing
)

// Response codes. Directory verdicts map to codeOK + verdict; order-field
// problems caught before touching shared state use codeMalformed.
const (
	codeOK            = 100
	codeOrderNotFound = 101
	codeMalformed     = 400
)

const defaultHistoryLimit = 10

// maxHistoryLimit caps one getPriceHistory response.
const maxHistoryLimit = 100

var errUnknownSide = errors.New("unknown side")

// meteredReader counts bytes consumed so the read loop can tell an idle poll
// deadline apart from a timeout that left a frame half-read on the stream.
type meteredReader struct {
	r io.Reader
	n int
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.n += n
	return n, err
}

type Session struct {
	conn   net.Conn
	reader *meteredReader
	book   *book.Book
	dir    *directory.Directory
	tape   *book.Tape

	pollInterval time.Duration
	idleTimeout  time.Duration

	// Username bound by a successful login, empty otherwise.
	user         string
	lastActivity time.Time

	closeOnce sync.Once
	log       zerolog.Logger
}

func New(conn net.Conn, bk *book.Book, dir *directory.Directory, tape *book.Tape, pollInterval, idleTimeout time.Duration) *Session {
	return &Session{
		conn:         conn,
		reader:       &meteredReader{r: conn},
		book:         bk,
		dir:          dir,
		tape:         tape,
		pollInterval: pollInterval,
		idleTimeout:  idleTimeout,
		lastActivity: time.Now(),
		log: log.With().
			Str("session", uuid.NewString()).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// Run drives the state machine until the connection closes. Cleanup happens
// exactly once no matter which path forced Closing.
func (s *Session) Run(ctx context.Context) {
	s.log.Info().Msg("session open")
	defer s.close()

	var (
		state State
		req   wire.Request
		resp  any
	)
	for state != Closing {
		switch state {
		case AwaitingData:
			req, state = s.await(ctx)
		case Processing:
			resp, state = s.dispatch(req)
		case Responding:
			state = s.respond(resp)
		}
	}
}

// await polls for the next request. Each poll-interval wake checks the idle
// threshold and the shutdown signal; a payload that cannot be decoded at all
// is fatal for the connection.
func (s *Session) await(ctx context.Context) (wire.Request, State) {
	for {
		if ctx.Err() != nil {
			s.log.Info().Msg("shutdown signalled")
			return wire.Request{}, Closing
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.pollInterval)); err != nil {
			s.log.Error().Err(err).Msg("setting read deadline")
			return wire.Request{}, Closing
		}

		s.reader.n = 0
		req, err := wire.ReadRequest(s.reader)
		switch {
		case err == nil:
			return req, Processing
		case isTimeout(err):
			// A timeout that already consumed bytes left a partial
			// frame on the stream; re-reading would parse payload
			// bytes as a length header.
			if s.reader.n > 0 {
				s.log.Error().Int("consumed", s.reader.n).Msg("timed out mid-frame")
				return wire.Request{}, Closing
			}
			if time.Since(s.lastActivity) > s.idleTimeout {
				s.log.Info().Msg("inactivity timeout")
				return wire.Request{}, Closing
			}
		case errors.Is(err, io.EOF):
			s.log.Info().Msg("client disconnected")
			return wire.Request{}, Closing
		default:
			s.log.Error().Err(err).Msg("unreadable request")
			return wire.Request{}, Closing
		}
	}
}

// dispatch routes a request by operation tag. Unrecognized operations are
// logged and ignored without closing the connection and without refreshing
// the activity clock.
func (s *Session) dispatch(req wire.Request) (any, State) {
	var resp any
	switch req.Operation {
	case wire.OpRegister:
		resp = s.register(req.Values)
	case wire.OpLogin:
		resp = s.login(req.Values)
	case wire.OpLogout:
		resp = s.logout()
	case wire.OpUpdateCredentials:
		resp = s.updateCredentials(req.Values)
	case wire.OpInsertLimitOrder:
		resp = s.limitOrder(req.Values)
	case wire.OpInsertMarketOrder:
		resp = s.marketOrder(req.Values)
	case wire.OpInsertStopOrder:
		resp = s.stopOrder(req.Values)
	case wire.OpCancelOrder:
		resp = s.cancelOrder(req.Values)
	case wire.OpGetPriceHistory:
		resp = s.priceHistory(req.Values)
	case wire.OpExit:
		s.log.Info().Msg("client exit")
		s.respond(wire.SimpleResponse{Code: codeOK, Message: "goodbye"})
		return nil, Closing
	default:
		s.log.Warn().Str("operation", req.Operation).Msg("unrecognized operation")
		return nil, AwaitingData
	}

	s.lastActivity = time.Now()
	return resp, Responding
}

// respond sends the encoded response. A send failure is fatal.
func (s *Session) respond(resp any) State {
	if resp == nil {
		return AwaitingData
	}
	if err := wire.WriteResponse(s.conn, resp); err != nil {
		s.log.Error().Err(err).Msg("sending response")
		return Closing
	}
	return AwaitingData
}

// --- Auth and credential operations ----------------------------------------

func (s *Session) register(raw json.RawMessage) any {
	var c wire.Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return s.malformed(err)
	}
	return verdictResponse(s.dir.Register(c.Username, c.Password))
}

func (s *Session) login(raw json.RawMessage) any {
	var c wire.Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return s.malformed(err)
	}
	// A session holds at most one account. Rebinding without a logout
	// would strand the first account's connected flag.
	if s.user != "" {
		return verdictResponse(directory.AlreadyLoggedIn)
	}
	v := s.dir.Login(c.Username, c.Password)
	if v == directory.OK {
		s.user = c.Username
		s.log.Info().Str("user", s.user).Msg("logged in")
	}
	return verdictResponse(v)
}

func (s *Session) logout() any {
	if s.user == "" {
		return verdictResponse(directory.NotLoggedIn)
	}
	v := s.dir.Logout(s.user)
	if v == directory.OK {
		s.log.Info().Str("user", s.user).Msg("logged out")
		s.user = ""
	}
	return verdictResponse(v)
}

func (s *Session) updateCredentials(raw json.RawMessage) any {
	var c wire.CredentialUpdate
	if err := json.Unmarshal(raw, &c); err != nil {
		return s.malformed(err)
	}
	return verdictResponse(s.dir.UpdateCredentials(c.Username, c.OldPassword, c.NewPassword))
}

// --- Order operations -------------------------------------------------------

func (s *Session) limitOrder(raw json.RawMessage) any {
	var o wire.LimitOrder
	side, ok := s.orderFields(raw, &o)
	if !ok {
		return wire.OrderResponse{OrderID: book.RejectedID}
	}
	id, resting := s.book.SubmitLimit(s.user, side, o.Size, o.Price)
	s.log.Debug().
		Int64("order", id).
		Str("side", side.String()).
		Uint64("resting", resting).
		Msg("limit order")
	return wire.OrderResponse{OrderID: id}
}

func (s *Session) marketOrder(raw json.RawMessage) any {
	var o wire.MarketOrder
	side, ok := s.orderFields(raw, &o)
	if !ok {
		return wire.OrderResponse{OrderID: book.RejectedID}
	}
	id, filled, unfilled := s.book.SubmitMarket(s.user, side, o.Size)
	s.log.Debug().
		Int64("order", id).
		Str("side", side.String()).
		Uint64("filled", filled).
		Uint64("unfilled", unfilled).
		Msg("market order")
	return wire.OrderResponse{OrderID: id}
}

func (s *Session) stopOrder(raw json.RawMessage) any {
	var o wire.StopOrder
	side, ok := s.orderFields(raw, &o)
	if !ok {
		return wire.OrderResponse{OrderID: book.RejectedID}
	}
	id := s.book.SubmitStop(s.user, side, o.Size, o.StopPrice)
	s.log.Debug().Int64("order", id).Str("side", side.String()).Msg("stop order")
	return wire.OrderResponse{OrderID: id}
}

func (s *Session) cancelOrder(raw json.RawMessage) any {
	if s.user == "" {
		return verdictResponse(directory.NotLoggedIn)
	}
	var c wire.CancelOrder
	if err := json.Unmarshal(raw, &c); err != nil {
		return s.malformed(err)
	}
	if !s.book.Cancel(c.OrderID) {
		return wire.SimpleResponse{Code: codeOrderNotFound, Message: "order not found"}
	}
	return wire.SimpleResponse{Code: codeOK, Message: "ok"}
}

func (s *Session) priceHistory(raw json.RawMessage) any {
	var p wire.PriceHistory
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return s.malformed(err)
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return wire.PriceHistoryResponse{Prices: s.tape.LastPrices(limit)}
}

// orderFields decodes an order payload and its side, and enforces that order
// operations come from a logged-in user. Rejections here never touch the
// book.
func (s *Session) orderFields(raw json.RawMessage, dst any) (book.Side, bool) {
	if s.user == "" {
		s.log.Warn().Msg("order from anonymous session rejected")
		return 0, false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.log.Warn().Err(err).Msg("malformed order values")
		return 0, false
	}
	side, err := parseSide(sideOf(dst))
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed order side")
		return 0, false
	}
	return side, true
}

func sideOf(payload any) string {
	switch o := payload.(type) {
	case *wire.LimitOrder:
		return o.Side
	case *wire.MarketOrder:
		return o.Side
	case *wire.StopOrder:
		return o.Side
	}
	return ""
}

func parseSide(s string) (book.Side, error) {
	switch s {
	case "bid":
		return book.Bid, nil
	case "ask":
		return book.Ask, nil
	}
	return 0, errUnknownSide
}

func (s *Session) malformed(err error) wire.SimpleResponse {
	s.log.Warn().Err(err).Msg("malformed request values")
	return wire.SimpleResponse{Code: codeMalformed, Message: "malformed values"}
}

func verdictResponse(v directory.Verdict) wire.SimpleResponse {
	return wire.SimpleResponse{Code: codeOK + int(v), Message: v.String()}
}

// close releases the connection exactly once, first forcing the logout of
// any associated user.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.user != "" {
			s.dir.Logout(s.user)
			s.log.Info().Str("user", s.user).Msg("forced logout")
			s.user = ""
		}
		if err := s.conn.Close(); err != nil {
			s.log.Error().Err(err).Msg("closing connection")
		}
		s.log.Info().Msg("session closed")
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
