package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/mememorph/internal/models"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	feedCapacity = 16
)

// feedMessage is one frame of the collection feed
type feedMessage struct {
	Type       string             `json:"type"`
	Collection *models.Collection `json:"collection"`
}

// feedConn serialises writes to one websocket client
type feedConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// WriteJSON sends v guarded by the connection mutex and write deadline
func (f *feedConn) WriteJSON(v interface{}) error {
	if f == nil || f.conn == nil {
		return errors.New("feed closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return f.conn.WriteJSON(v)
}

// Ping sends a ping control frame
func (f *feedConn) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// collectionFeedHandler streams every collection written for an account.
// The first frame is the current collection; later frames follow refreshes.
func (s *HTTPServer) collectionFeedHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountVar(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.logger.WithFields(logrus.Fields{
		"account": account.Hex(),
		"client":  clientKey(r),
	})
	feed := &feedConn{conn: conn}

	updates := make(chan models.Collection, feedCapacity)
	sub := s.collections.Subscribe(account, func(c models.Collection) {
		select {
		case updates <- c:
		default:
			log.Warn("Collection feed is full, dropping update")
		}
	})
	defer sub.Close()

	log.Debug("Collection feed opened")
	defer log.Debug("Collection feed closed")

	// Generations only grow, so anything at or below the snapshot is a repeat
	var sent uint64
	if current, _ := s.collections.Get(r.Context(), account); current != nil {
		if err := feed.WriteJSON(feedMessage{Type: "snapshot", Collection: current}); err != nil {
			return
		}
		sent = current.Generation
	}

	// The read loop only handles control frames and notices disconnects
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case c := <-updates:
			if c.Generation <= sent {
				continue
			}
			sent = c.Generation
			if err := feed.WriteJSON(feedMessage{Type: "update", Collection: &c}); err != nil {
				log.WithError(err).Debug("Collection feed write failed")
				return
			}
		case <-ticker.C:
			if err := feed.Ping(); err != nil {
				return
			}
		}
	}
}
