package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/burntcarrot/otpad/commons"
	"github.com/burntcarrot/otpad/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// server connects websocket clients to the document sessions of a hub.
type server struct {
	hub       *session.Hub
	logger    *logrus.Logger
	upgrader  websocket.Upgrader
	sendQueue int
}

func newServer(hub *session.Hub, logger *logrus.Logger, sendQueue int) *server {
	if sendQueue <= 0 {
		sendQueue = 256
	}
	return &server{
		hub:       hub,
		logger:    logger,
		sendQueue: sendQueue,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleConn).Methods(http.MethodGet)
	r.HandleFunc("/documents", s.handleDocuments).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}/history", s.handleHistory).Methods(http.MethodGet)
	return r
}

// handleConn upgrades the connection to a WebSocket and serves it until it closes.
func (s *server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("error upgrading connection to websocket")
		return
	}

	c := newClient(s, conn)
	c.logger.Debug("connection opened")

	go c.writePump()
	c.readLoop(r.Context())

	c.logger.Debug("connection closed")
}

func (s *server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Documents())
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := s.hub.Open(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithField("document", id).Error("failed to open document")
		http.Error(w, "failed to open document", http.StatusInternalServerError)
		return
	}

	snap := sess.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, commons.Error{Kind: commons.ProtocolViolation, Message: "since must be an integer"})
			return
		}
		since = n
	}

	sess, err := s.hub.Open(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithField("document", id).Error("failed to open document")
		http.Error(w, "failed to open document", http.StatusInternalServerError)
		return
	}

	commits, err := sess.History(since)
	if errors.Is(err, session.ErrRevisionNotFound) {
		writeJSON(w, http.StatusNotFound, commons.Error{Kind: commons.RevisionNotFound, Message: err.Error()})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
