package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/app/core/identity"
	"github.com/uhyunpark/hyperswap/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperswap/pkg/app/core/swap"
	"github.com/uhyunpark/hyperswap/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperswap/pkg/app/core/value"
	"github.com/uhyunpark/hyperswap/pkg/app/exchange"
	"github.com/uhyunpark/hyperswap/pkg/storage"
)

const (
	requestIDHeader  = "X-Request-ID"
	defaultCommitLim = 50
	maxCommitLim     = 500
	maxBodyBytes     = 1 << 20
)

type ctxKey struct{}

// Server handles REST API and WebSocket connections
type Server struct {
	app      *exchange.App
	store    *storage.LedgerStore
	router   *mux.Router
	hub      *Hub // WebSocket hub
	log      *zap.SugaredLogger
	registry *prometheus.Registry
}

// NewServer creates a new API server. Accepted commits are pushed to
// WebSocket subscribers; registry may be nil to disable /metrics.
func NewServer(app *exchange.App, store *storage.LedgerStore, registry *prometheus.Registry, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		app:      app,
		store:    store,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		log:      logger,
		registry: registry,
	}
	store.Subscribe(s.broadcastCommit)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Discovery
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/offers", s.handleGetOffers).Methods("GET")
	api.HandleFunc("/offers/{beacon}", s.handleGetOffer).Methods("GET")
	api.HandleFunc("/escrows/{party}", s.handleGetEscrows).Methods("GET")
	api.HandleFunc("/wallets/{address}", s.handleGetWallet).Methods("GET")
	api.HandleFunc("/commits", s.handleGetCommits).Methods("GET")
	api.HandleFunc("/commits/{id}", s.handleGetCommit).Methods("GET")

	// Pre-signed transitions go straight to the ledger
	api.HandleFunc("/transitions", s.handleSubmitTransition).Methods("POST")

	// Operations signed by the node keyring
	api.HandleFunc("/participants", s.handleRegister).Methods("POST")
	api.HandleFunc("/offers", s.handleOpen).Methods("POST")
	api.HandleFunc("/offers/{beacon}/update", s.handleUpdate).Methods("POST")
	api.HandleFunc("/offers/{beacon}/fill", s.handleFill).Methods("POST")
	api.HandleFunc("/offers/{beacon}/close", s.handleClose).Methods("POST")
	api.HandleFunc("/escrows/{orderId}/approve", s.handleApprove).Methods("POST")
	api.HandleFunc("/escrows/{orderId}/refund", s.handleRefund).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is canceled
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_server_starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestID tags every request with an id, echoed in the response header and
// in error bodies.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		s.log.Debugw("http_request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	offers, err := s.app.Offers(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	cfg := s.app.Config()
	respondJSON(w, LedgerStatus{
		Sequence: s.store.Sequence(),
		Offers:   len(offers),
		Escrow:   cfg.EscrowEnabled,
		Version:  cfg.Scripts.Version,
	})
}

func (s *Server) handleGetOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.app.Offers(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	response := make([]OfferInfo, 0, len(offers))
	for _, o := range offers {
		response = append(response, offerInfo(o))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	order, err := s.app.Offer(r.Context(), s.beacon(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, offerInfo(order))
}

func (s *Server) handleGetEscrows(w http.ResponseWriter, r *http.Request) {
	party, ok := s.pathAddress(w, r, "party")
	if !ok {
		return
	}
	escrows, err := s.app.Escrows(r.Context(), party)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	response := make([]EscrowInfo, 0, len(escrows))
	for _, e := range escrows {
		response = append(response, escrowInfo(e))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r, "address")
	if !ok {
		return
	}
	bal, err := s.store.Balance(r.Context(), ledger.WalletAddress(addr))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	_, err = s.app.Scripts().VerifyReference(r.Context(), s.store, addr)
	respondJSON(w, WalletInfo{
		Address:    addr.Hex(),
		Registered: err == nil,
		Balance:    amounts(bal),
	})
}

func (s *Server) handleGetCommits(w http.ResponseWriter, r *http.Request) {
	limit := defaultCommitLim
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, r, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = min(n, maxCommitLim)
	}

	entries, err := s.store.RecentCommits(r.Context(), limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	response := make([]CommitInfo, len(entries))
	for i, e := range entries {
		response[i] = commitInfo(e)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetCommit(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		s.respondError(w, r, http.StatusBadRequest, "invalid commit id", raw)
		return
	}
	entry, err := s.store.Commit(r.Context(), common.BytesToHash(b))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, commitInfo(entry))
}

func (s *Server) handleSubmitTransition(w http.ResponseWriter, r *http.Request) {
	var st transaction.SignedTransition
	if !s.decode(w, r, &st) {
		return
	}
	if err := st.Transition.Validate(); err != nil {
		s.respondErr(w, r, err)
		return
	}
	id, err := s.store.Submit(r.Context(), &st)
	s.respondCommit(w, r, id, err)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	participant, ok := s.address(w, r, req.Participant)
	if !ok {
		return
	}
	id, err := s.app.Register(r.Context(), participant)
	s.respondCommit(w, r, id, err)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !s.decode(w, r, &req) {
		return
	}
	seller, ok := s.address(w, r, req.Seller)
	if !ok {
		return
	}
	asked, ok := s.amount(w, r, &req.Asked)
	if !ok {
		return
	}
	offered, ok := s.amount(w, r, &req.Offered)
	if !ok {
		return
	}
	id, err := s.app.Open(r.Context(), seller, asked, offered)
	s.respondCommit(w, r, id, err)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	seller, ok := s.address(w, r, req.Seller)
	if !ok {
		return
	}
	asked, ok := s.amount(w, r, req.Asked)
	if !ok {
		return
	}
	delta, ok := s.amount(w, r, req.Delta)
	if !ok {
		return
	}
	id, err := s.app.Update(r.Context(), seller, s.beacon(r), asked, delta)
	s.respondCommit(w, r, id, err)
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if !s.decode(w, r, &req) {
		return
	}
	buyer, ok := s.address(w, r, req.Buyer)
	if !ok {
		return
	}
	payment, ok := s.amount(w, r, &req.Payment)
	if !ok {
		return
	}
	id, err := s.app.Fill(r.Context(), buyer, s.beacon(r), payment)
	s.respondCommit(w, r, id, err)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if !s.decode(w, r, &req) {
		return
	}
	seller, ok := s.address(w, r, req.Seller)
	if !ok {
		return
	}
	id, err := s.app.Close(r.Context(), seller, s.beacon(r))
	s.respondCommit(w, r, id, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	orderID, req, ok := s.escrowRequest(w, r)
	if !ok {
		return
	}
	buyer, ok := s.address(w, r, req.Buyer)
	if !ok {
		return
	}
	seller, ok := s.address(w, r, req.Seller)
	if !ok {
		return
	}
	id, err := s.app.Approve(r.Context(), orderID, buyer, seller)
	s.respondCommit(w, r, id, err)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	orderID, req, ok := s.escrowRequest(w, r)
	if !ok {
		return
	}
	buyer, ok := s.address(w, r, req.Buyer)
	if !ok {
		return
	}
	seller, ok := s.address(w, r, req.Seller)
	if !ok {
		return
	}
	authority, ok := s.address(w, r, req.Authority)
	if !ok {
		return
	}
	id, err := s.app.Refund(r.Context(), orderID, buyer, seller, authority)
	s.respondCommit(w, r, id, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast
// ==============================

// broadcastCommit is the ledger listener feeding WebSocket clients. It runs
// on the committing goroutine and must not block.
func (s *Server) broadcastCommit(entry *storage.CommitEntry) {
	update := CommitUpdate{Type: "commit", Commit: commitInfo(entry)}

	s.hub.BroadcastToChannel("commits", update)
	s.hub.BroadcastToChannel("kind:"+string(entry.Signed.Transition.Kind), update)

	seen := make(map[common.Address]bool)
	for _, out := range entry.Signed.Transition.Produced {
		if owner, ok := out.Address.WalletOwner(); ok && !seen[owner] {
			seen[owner] = true
			s.hub.BroadcastToChannel("wallet:"+owner.Hex(), update)
		}
	}
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) beacon(r *http.Request) value.AssetID {
	return value.AssetID{Policy: s.app.Scripts().BeaconPolicy(), Name: mux.Vars(r)["beacon"]}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func (s *Server) address(w http.ResponseWriter, r *http.Request, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		s.respondError(w, r, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	return s.address(w, r, mux.Vars(r)[name])
}

// amount converts an optional request amount; nil yields an empty value
func (s *Server) amount(w http.ResponseWriter, r *http.Request, req *AmountRequest) (value.Value, bool) {
	if req == nil {
		return value.Value{}, true
	}
	asset, err := value.ParseAssetID(req.Asset)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid asset", err.Error())
		return nil, false
	}
	return value.New(asset, req.Qty), true
}

func (s *Server) escrowRequest(w http.ResponseWriter, r *http.Request) ([]byte, EscrowRequest, bool) {
	var req EscrowRequest
	raw := mux.Vars(r)["orderId"]
	orderID, err := hexutil.Decode(raw)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid order id", raw)
		return nil, req, false
	}
	if !s.decode(w, r, &req) {
		return nil, req, false
	}
	return orderID, req, true
}

func (s *Server) respondCommit(w http.ResponseWriter, r *http.Request, id transaction.CommitID, err error) {
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, CommitResponse{Status: "accepted", CommitID: id.Hex()})
}

// respondErr maps domain errors onto HTTP status codes
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "request_id", requestIDFrom(r), "err", err)
	}
	s.respondError(w, r, status, http.StatusText(status), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, ledger.ErrBeaconMint),
		errors.Is(err, swap.ErrOrderExhausted):
		return http.StatusConflict
	case errors.Is(err, transaction.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, identity.ErrReferenceNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     error,
		Message:   message,
		RequestID: requestIDFrom(r),
	})
}

// ==============================
// Conversions
// ==============================

func amount(asset value.AssetID, qty int64) AssetAmount {
	return AssetAmount{
		Asset:   asset.String(),
		Qty:     qty,
		Display: value.FormatAsset(asset, qty),
	}
}

func amounts(v value.Value) []AssetAmount {
	assets := v.Assets()
	out := make([]AssetAmount, len(assets))
	for i, a := range assets {
		out[i] = amount(a, v[a])
	}
	return out
}

func offerInfo(o swap.Order) OfferInfo {
	rec := o.Record
	info := OfferInfo{
		Beacon:        rec.BeaconAsset.Name,
		Ref:           o.Ref.String(),
		Seller:        rec.Seller.Hex(),
		Stock:         amount(rec.OfferedAsset, rec.Stock()),
		Locked:        amounts(o.Value),
		EscrowEnabled: rec.EscrowEnabled,
		ServiceFee:    rec.ServiceFee,
		MinReserve:    rec.MinReserve,
		Version:       rec.Version,
	}
	if asset, price, err := rec.Price(); err == nil {
		info.Price = amount(asset, price)
	}
	return info
}

func escrowInfo(e swap.Escrow) EscrowInfo {
	rec := e.Record
	return EscrowInfo{
		OrderID: rec.OrderID.String(),
		Ref:     e.Ref.String(),
		Buyer:   rec.Buyer.Hex(),
		Seller:  rec.Seller.Hex(),
		Payment: amounts(rec.PaymentValue),
		Goods:   amounts(rec.GoodsValue),
		Deposit: amounts(rec.DepositValue),
		HeldAt:  rec.HeldAt,
	}
}

func commitInfo(e *storage.CommitEntry) CommitInfo {
	tr := e.Signed.Transition
	info := CommitInfo{
		ID:         e.ID.Hex(),
		Seq:        e.Seq,
		Kind:       string(tr.Kind),
		AcceptedAt: e.AcceptedAt.UnixMilli(),
		Signers:    make([]string, len(tr.Signers)),
		Consumed:   make([]string, len(tr.Consumed)),
	}
	for i, a := range tr.Signers {
		info.Signers[i] = a.Hex()
	}
	for i, ref := range tr.Consumed {
		info.Consumed[i] = ref.String()
	}
	for _, ref := range e.ProducedRefs() {
		info.Produced = append(info.Produced, ref.String())
	}
	return info
}
