package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/poll"
	"github.com/sour-is/potato/pkg/storage"
)

// service exposes one polled list over HTTP.
type service struct {
	list *storage.List[*entry]
	poll *poll.Poll[*entry]
}

type listView struct {
	Name      string                   `json:"name"`
	State     string                   `json:"state"`
	Exhausted bool                     `json:"exhausted"`
	Size      int                      `json:"size"`
	Meta      map[string]storage.Param `json:"meta,omitempty"`
	Items     []*entry                 `json:"items"`
}

type pollView struct {
	Count   int    `json:"count"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *service) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("/watch", lg.Htrace(http.HandlerFunc(s.watch), "watch"))
}
func (s *service) RegisterAPIv1(mux *http.ServeMux) {
	mux.Handle("/list", lg.Htrace(http.HandlerFunc(s.get), "list"))
	mux.Handle("/update", lg.Htrace(http.HandlerFunc(s.update), "update"))
	mux.Handle("/more", lg.Htrace(http.HandlerFunc(s.more), "more"))
}

func (s *service) get(w http.ResponseWriter, r *http.Request) {
	_, span := lg.Span(r.Context())
	defer span.End()

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	v := listView{
		Name:      s.list.Name(),
		State:     s.poll.State().String(),
		Exhausted: s.poll.Exhausted(),
		Size:      s.list.Size(),
		Meta:      s.list.MetaAll(),
		Items:     s.list.ToSlice(limit),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		span.RecordError(err)
	}
}

func (s *service) update(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, s.poll.Update)
}
func (s *service) more(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, s.poll.FetchMore)
}

// run starts fn and answers once the fetch it started or joined completes.
func (s *service) run(w http.ResponseWriter, r *http.Request, fn func(context.Context, poll.Listener)) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	done := make(chan pollView, 1)
	fn(ctx, &poll.ListenerFuncs{
		Success: func(n int) {
			done <- pollView{Count: n, Message: s.poll.SuccessMessage(n)}
		},
		Error: func(err error) {
			done <- pollView{Error: err.Error()}
		},
		Exhausted: func() {
			done <- pollView{Message: "exhausted"}
		},
	})

	var v pollView
	select {
	case v = <-done:
	case <-ctx.Done():
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if v.Error != "" {
		w.WriteHeader(http.StatusBadGateway)
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		span.RecordError(err)
	}
}

// watch streams every action of the list to a websocket as JSON.
func (s *service) watch(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		return
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.SetCloseHandler(func(code int, text string) error {
		cancel()
		return nil
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	actions := make(chan storage.Action, 16)
	sub := storage.OnUpdate(func(a storage.Action) {
		select {
		case actions <- a:
		default:
			log.Printf("watch: dropped %s", a)
		}
	})
	s.list.Subscribe(sub)
	defer s.list.Unsubscribe(sub)

	span.AddEvent("start ws")
	for {
		select {
		case <-ctx.Done():
			span.AddEvent("stop ws")
			return
		case a := <-actions:
			if err := c.WriteJSON(a); err != nil {
				span.RecordError(fmt.Errorf("watch: %w", err))
				return
			}
		}
	}
}
