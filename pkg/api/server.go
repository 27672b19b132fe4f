package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/app/core/errs"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/app/dex"
	"github.com/uhyunpark/hyperswap/pkg/storage"
)

// CallerHeader carries the authenticated caller address
const CallerHeader = "X-Caller-Address"

// RequestIDHeader is echoed on every API response
const RequestIDHeader = "X-Request-ID"

const maxBodyBytes = 1 << 20

type ctxKey struct{}

// Server handles REST API and WebSocket connections
type Server struct {
	app     *dex.App
	router  *mux.Router
	hub     *Hub            // WebSocket hub
	journal storage.Journal // Served calls, one JSON line each
	logger  *zap.Logger
	origins []string

	httpSrv *http.Server
}

// NewServer creates a new API server. hub may be shared with the app's
// publisher; a nil hub gets a private one.
func NewServer(app *dex.App, hub *Hub, journal storage.Journal, logger *zap.Logger, origins []string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	if journal == nil {
		journal = storage.NewNopJournal()
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}

	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		hub:     hub,
		journal: journal,
		logger:  logger,
		origins: origins,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requestMiddleware)

	// Envelope
	api.HandleFunc("/call", s.handleCall).Methods("POST")

	// Balance movements
	api.HandleFunc("/deposits", s.methodHandler(dex.MethodDeposit)).Methods("POST")
	api.HandleFunc("/withdrawals", s.methodHandler(dex.MethodWithdraw)).Methods("POST")
	api.HandleFunc("/transfers", s.methodHandler(dex.MethodTransfer)).Methods("POST")

	// Orders
	api.HandleFunc("/orders", s.methodHandler(dex.MethodPlaceOrder)).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleCancelOrder).Methods("DELETE")

	// Account endpoints
	api.HandleFunc("/accounts/{address}/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/accounts/{address}/balances/{asset}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")

	// Book
	api.HandleFunc("/pairs", s.handleGetPairs).Methods("GET")
	api.HandleFunc("/depth", s.handleGetDepth).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", CallerHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start starts the WebSocket hub and serves until Shutdown
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("api server starting", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes the hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestMiddleware tags each request with an id and logs its outcome
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))

		s.logger.Debug("api request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// ==============================
// Envelope Handlers
// ==============================

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	s.dispatch(w, r, req.Method, req.Params)
}

// methodHandler serves a REST route whose body is the method's params
func (s *Server) methodHandler(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		s.dispatch(w, r, method, body)
	}
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	params, _ := json.Marshal(map[string]uint64{"orderId": id})
	s.dispatch(w, r, dex.MethodCancelOrder, params)
}

// dispatch runs one envelope call for the caller named in the header
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, method string, params json.RawMessage) {
	caller, ok := parseAddress(r.Header.Get(CallerHeader))
	if !ok {
		respondError(w, r, http.StatusUnauthorized, "missing or invalid caller", CallerHeader+" must be a hex address")
		return
	}

	resp := s.app.Dispatch(dex.Request{Method: method, Caller: caller, Params: params})

	record := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"requestId": requestID(r),
		"caller":    caller.Hex(),
		"method":    method,
		"params":    params,
	}
	if resp.Error != nil {
		record["error"] = resp.Error.Code
	}
	if err := s.journal.Append(record); err != nil {
		s.logger.Warn("journal append failed", zap.String("request_id", requestID(r)), zap.Error(err))
	}

	status := http.StatusOK
	if resp.Error != nil && resp.Result == nil {
		status = resp.Error.Code.HTTPStatus()
	}
	respondJSON(w, status, resp)
}

// ==============================
// Query Handlers
// ==============================

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	o, err := s.app.GetOrder(orderbook.OrderID(id))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid address", "")
		return
	}
	respondJSON(w, http.StatusOK, AccountBalances{
		Address:  addr.Hex(),
		Balances: s.app.Balances(addr),
		Escrowed: s.app.Escrowed(addr),
	})
}

// handleGetBalance reads one balance; ?audit=true reports absent accounts
// and assets as errors instead of zero
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr, ok := parseAddress(vars["address"])
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid address", "")
		return
	}
	asset := ledger.Asset(vars["asset"])

	balance := s.app.GetBalance(addr, asset)
	if audit, _ := strconv.ParseBool(r.URL.Query().Get("audit")); audit {
		var err error
		if balance, err = s.app.AuditBalance(addr, asset); err != nil {
			respondErr(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, BalanceInfo{Address: addr.Hex(), Asset: asset, Balance: balance})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		respondError(w, r, http.StatusBadRequest, "invalid address", "")
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	orders := s.app.OrdersOf(addr, all)
	if orders == nil {
		orders = []orderbook.Order{}
	}
	respondJSON(w, http.StatusOK, OrderList{Address: addr.Hex(), Orders: orders})
}

func (s *Server) handleGetPairs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Pairs())
}

// handleGetDepth returns both directions of base/quote
func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base, quote := ledger.Asset(q.Get("base")), ledger.Asset(q.Get("quote"))
	if base == "" || quote == "" || base == quote {
		respondError(w, r, http.StatusBadRequest, "invalid pair", "base and quote must be distinct non-empty assets")
		return
	}
	respondJSON(w, http.StatusOK, DepthSnapshot{
		Base:      base,
		Quote:     quote,
		Asks:      s.app.Depth(base, quote),
		Bids:      s.app.Depth(quote, base),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.app.Stats()
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Created:    st.Created,
		Accounts:   st.Accounts,
		LiveOrders: st.LiveOrders,
		EventSeq:   st.EventSeq,
	})
}

// ==============================
// Helper Functions
// ==============================

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:     error,
		Message:   message,
		RequestID: requestID(r),
	})
}

// respondErr reports a core error with its external code and status
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	respondError(w, r, code.HTTPStatus(), string(code), fmt.Sprint(err))
}
