// Package web serves the admin API: bot and order inspection, operator actions,
// the audit journal (plain and as an SSE stream) and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/services/operator"
	"github.com/vadiminshakov/ladder/internal/storage/journal"
	"github.com/vadiminshakov/ladder/internal/storage/positions"
)

const (
	journalPollInterval = 2 * time.Second
	heartbeatInterval   = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Operator is the set of actions the API exposes.
type Operator interface {
	CreateBot(ctx context.Context, bot domain.Bot) (domain.Bot, error)
	DeleteBot(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) (domain.Bot, error)
	Resume(ctx context.Context, id string) (domain.Bot, error)
	RetryExit(ctx context.Context, id string) (domain.Bot, error)
	Restart(ctx context.Context, id string) (domain.Bot, error)
	ForceExit(ctx context.Context, id string) (domain.Bot, domain.PendingOrder, error)
	ClearFailedCredentials(ctx context.Context, orderID string) (domain.PendingOrder, error)

	Bot(ctx context.Context, id string) (domain.Bot, error)
	Bots(ctx context.Context, filter positions.BotFilter) ([]domain.Bot, error)
	Entries(ctx context.Context, botID string) ([]domain.Entry, error)
	Orders(ctx context.Context, filter positions.OrderFilter) ([]domain.PendingOrder, error)
}

type journalReader interface {
	EventsAfter(index uint64, botID string) ([]journal.Record, error)
}

// ForceExitResponse bot state after a forced exit and the sell order it enqueued.
type ForceExitResponse struct {
	Bot   domain.Bot          `json:"bot"`
	Order domain.PendingOrder `json:"order"`
}

// ErrorResponse body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server exposes the admin API.
type Server struct {
	Addr     string
	Operator Operator
	Journal  journalReader
	Metrics  http.Handler
	l        *zap.Logger
}

// NewServer creates a new admin API server. journal and metrics may be nil.
func NewServer(l *zap.Logger, addr string, op Operator, j journalReader, metrics http.Handler) *Server {
	return &Server{Addr: addr, Operator: op, Journal: j, Metrics: metrics, l: l}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/bots", s.handleListBots).Methods(http.MethodGet)
	r.HandleFunc("/bots", s.handleCreateBot).Methods(http.MethodPost)
	r.HandleFunc("/bots/{id}", s.handleGetBot).Methods(http.MethodGet)
	r.HandleFunc("/bots/{id}", s.handleDeleteBot).Methods(http.MethodDelete)
	r.HandleFunc("/bots/{id}/entries", s.handleEntries).Methods(http.MethodGet)
	r.HandleFunc("/bots/{id}/orders", s.handleBotOrders).Methods(http.MethodGet)
	r.HandleFunc("/bots/{id}/pause", s.botAction(s.Operator.Pause)).Methods(http.MethodPost)
	r.HandleFunc("/bots/{id}/resume", s.botAction(s.Operator.Resume)).Methods(http.MethodPost)
	r.HandleFunc("/bots/{id}/retry-exit", s.botAction(s.Operator.RetryExit)).Methods(http.MethodPost)
	r.HandleFunc("/bots/{id}/restart", s.botAction(s.Operator.Restart)).Methods(http.MethodPost)
	r.HandleFunc("/bots/{id}/force-exit", s.handleForceExit).Methods(http.MethodPost)

	r.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id}/clear-credentials", s.handleClearCredentials).Methods(http.MethodPost)

	r.HandleFunc("/journal", s.handleJournal).Methods(http.MethodGet)
	r.HandleFunc("/journal/stream", s.handleJournalStream).Methods(http.MethodGet)

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("admin API listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := positions.BotFilter{
		Status:   domain.BotStatus(q.Get("status")),
		UserID:   q.Get("user_id"),
		Exchange: q.Get("exchange"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", filter.Status))
		return
	}

	bots, err := s.Operator.Bots(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if bots == nil {
		bots = []domain.Bot{}
	}
	writeJSON(w, http.StatusOK, bots)
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var bot domain.Bot
	if err := json.NewDecoder(r.Body).Decode(&bot); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode bot: %w", err))
		return
	}

	created, err := s.Operator.CreateBot(r.Context(), bot)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.Operator.Bot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	if err := s.Operator.DeleteBot(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Operator.Bot(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}

	entries, err := s.Operator.Entries(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []domain.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleBotOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := orderFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter.BotID = mux.Vars(r)["id"]
	s.writeOrders(w, r, filter)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := orderFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeOrders(w, r, filter)
}

func (s *Server) writeOrders(w http.ResponseWriter, r *http.Request, filter positions.OrderFilter) {
	orders, err := s.Operator.Orders(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if orders == nil {
		orders = []domain.PendingOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) botAction(action func(ctx context.Context, id string) (domain.Bot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot, err := action(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bot)
	}
}

func (s *Server) handleForceExit(w http.ResponseWriter, r *http.Request) {
	bot, order, err := s.Operator.ForceExit(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ForceExitResponse{Bot: bot, Order: order})
}

func (s *Server) handleClearCredentials(w http.ResponseWriter, r *http.Request) {
	order, err := s.Operator.ClearFailedCredentials(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("journal not available"))
		return
	}

	after, err := afterIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	records, err := s.Journal.EventsAfter(after, r.URL.Query().Get("bot_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleJournalStream(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("journal not available"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastIndex, err := afterIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	botID := r.URL.Query().Get("bot_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// comment heartbeat keeps proxies from closing the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(journalPollInterval)
	defer pollTicker.Stop()

	sendEvents := func() error {
		records, err := s.Journal.EventsAfter(lastIndex, botID)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: %s\n", record.Event.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			lastIndex = record.Index
		}
		return nil
	}

	if err := sendEvents(); err != nil {
		http.Error(w, "failed to load journal", http.StatusInternalServerError)
		s.l.Error("journal stream initial load", zap.Error(err))
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendEvents(); err != nil {
				s.l.Warn("journal stream poll", zap.Error(err))
			}
		}
	}
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var cfgErr *domain.ConfigurationError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrOrderOutstanding),
		errors.Is(err, operator.ErrNoPosition):
		writeError(w, http.StatusConflict, err)
	default:
		s.l.Error("admin request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func orderFilter(r *http.Request) (positions.OrderFilter, error) {
	q := r.URL.Query()
	filter := positions.OrderFilter{
		BotID: q.Get("bot_id"),
		Side:  domain.OrderSide(q.Get("side")),
	}
	for _, raw := range q["status"] {
		status := domain.OrderStatus(raw)
		if !status.IsValid() {
			return positions.OrderFilter{}, fmt.Errorf("unknown order status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return filter, nil
}

func afterIndex(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid 'after' index %q", raw)
	}
	return after, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
