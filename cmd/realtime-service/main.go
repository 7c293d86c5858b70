package main

import (
	"bytes"
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"ivalet/internal/config"
	"ivalet/internal/httpapi"
	"ivalet/internal/hub"
	"ivalet/internal/models"
	"ivalet/internal/notify"
	"ivalet/internal/projection"
	"ivalet/internal/store"
	"ivalet/internal/store/postgres"
	"ivalet/internal/telemetry"
	"ivalet/internal/voice"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const consumer = "realtime"

const zeroUUID = "00000000-0000-0000-0000-000000000000"

type fleetEnvelope struct {
	Type      string          `json:"type"`
	Tickets   []models.Ticket `json:"tickets"`
	CreatedAt time.Time       `json:"created_at"`
}

type ticketEnvelope struct {
	Type           string        `json:"type"`
	Ticket         models.Ticket `json:"ticket"`
	PreviousStatus string        `json:"previous_status,omitempty"`
	Notify         bool          `json:"notify"`
	CreatedAt      time.Time     `json:"created_at"`
}

type voiceEnvelope struct {
	Type      string              `json:"type"`
	Message   models.VoiceMessage `json:"message"`
	CreatedAt time.Time           `json:"created_at"`
}

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("realtime-service", cfg.OTLPEndpoint, cfg.OTLPInsecure)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer redisClient.Close()

	st := postgres.NewStore(pool)
	voiceChannel := voice.NewChannel(redisClient)
	h := hub.New()
	fleet := projection.NewFleetView()

	var watcherMu sync.Mutex
	watchers := make(map[string]*projection.TicketWatcher)
	watcherFor := func(ticketID string) *projection.TicketWatcher {
		watcherMu.Lock()
		defer watcherMu.Unlock()
		w, ok := watchers[ticketID]
		if !ok {
			w = projection.NewTicketWatcher()
			watchers[ticketID] = w
		}
		return w
	}
	dropWatcher := func(ticketID string) {
		watcherMu.Lock()
		defer watcherMu.Unlock()
		delete(watchers, ticketID)
	}

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	sockjsHandler := sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		var stopVoice func()
		defer func() {
			if stopVoice != nil {
				stopVoice()
			}
		}()

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if stopVoice != nil {
				stopVoice()
				stopVoice = nil
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			sub := hub.Subscription{View: parsed.View, TicketID: parsed.TicketID}
			h.UpdateSubscription(client, sub)

			// New subscribers get the current state immediately instead
			// of waiting for the next event.
			switch parsed.View {
			case hub.ViewFleet:
				payload, err := json.Marshal(fleetEnvelope{
					Type:      "fleet.snapshot",
					Tickets:   fleet.Snapshot(time.Now().UTC()),
					CreatedAt: time.Now().UTC(),
				})
				if err == nil {
					select {
					case client.Send <- payload:
					default:
					}
				}
			case hub.ViewTicket:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				ticket, err := st.GetTicket(ctx, parsed.TicketID)
				cancel()
				if err != nil {
					continue
				}
				payload, err := json.Marshal(ticketEnvelope{
					Type:      "ticket.snapshot",
					Ticket:    ticket,
					CreatedAt: time.Now().UTC(),
				})
				if err == nil {
					select {
					case client.Send <- payload:
					default:
					}
				}

				// Live voice traffic for the watched ticket rides the
				// same connection.
				messages, stop, err := voiceChannel.Subscribe(context.Background(), parsed.TicketID)
				if err != nil {
					log.Printf("voice subscribe %s: %v", parsed.TicketID, err)
					continue
				}
				stopVoice = stop
				go func() {
					for message := range messages {
						payload, err := json.Marshal(voiceEnvelope{
							Type:      "voice.message",
							Message:   message,
							CreatedAt: time.Now().UTC(),
						})
						if err != nil {
							continue
						}
						h.Send(client.ID, payload)
					}
				}()
			}
		}
	})
	mux.Handle("/realtime/", sockjsHandler)

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "realtime-service")
	server := &http.Server{
		Addr:         ":" + cfg.RealtimePort,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	offset, err := st.GetOffset(context.Background(), consumer)
	if err != nil {
		log.Printf("load offset error: %v", err)
	}
	if offset.LastEventTime.IsZero() {
		offset.LastEventTime = time.Unix(0, 0).UTC()
	}
	if offset.LastEventID == "" {
		offset.LastEventID = zeroUUID
	}
	pollInterval := cfg.OutboxPollEvery
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	var running int32
	var seq uint64
	var lastFleet []byte

	go func() {
		log.Printf("realtime-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				continue
			}
			pollOnce(st, voiceChannel, h, fleet, &offset, &seq, &lastFleet, watcherFor, dropWatcher)
			atomic.StoreInt32(&running, 0)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func pollOnce(
	st *postgres.Store,
	voiceChannel *voice.Channel,
	h *hub.Hub,
	fleet *projection.FleetView,
	offset *store.Cursor,
	seq *uint64,
	lastFleet *[]byte,
	watcherFor func(string) *projection.TicketWatcher,
	dropWatcher func(string),
) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := st.ListOutboxEvents(ctx, *offset, 100)
	if err != nil {
		log.Printf("list outbox error: %v", err)
		return
	}
	for _, event := range events {
		offset.LastEventTime = event.CreatedAt
		offset.LastEventID = event.EventID

		var ticket models.Ticket
		if err := json.Unmarshal(event.Payload, &ticket); err != nil {
			log.Printf("decode event %s: %v", event.EventID, err)
			continue
		}

		*seq++
		watcher := watcherFor(ticket.TicketID)
		change, changed := watcher.Observe(*seq, ticket)

		envelope := ticketEnvelope{
			Type:      event.Type,
			Ticket:    ticket,
			CreatedAt: event.CreatedAt,
		}
		if changed {
			envelope.PreviousStatus = change.From
			envelope.Notify = change.Notifiable()
		}
		payload, err := json.Marshal(envelope)
		if err == nil {
			h.Broadcast(payload, hub.Subscription{View: hub.ViewTicket, TicketID: ticket.TicketID})
		}

		if models.Terminal(ticket.Status) {
			dropWatcher(ticket.TicketID)
			if err := voiceChannel.Purge(ctx, ticket.TicketID); err != nil {
				log.Printf("purge voice history %s: %v", ticket.TicketID, err)
			}
		}
	}

	// Rebuild the board from a full read on every tick, not only when
	// events arrived: requested pins lapse and unread voice flags move on
	// their own clocks. Identical snapshots are not rebroadcast.
	tickets, err := st.ListTickets(ctx)
	if err != nil {
		log.Printf("list tickets error: %v", err)
	} else {
		now := time.Now().UTC()
		cutoff := now.Add(-projection.UnreadWindow)
		for _, ticket := range tickets {
			if models.Terminal(ticket.Status) {
				continue
			}
			messages, err := voiceChannel.List(ctx, ticket.TicketID)
			if err != nil {
				continue
			}
			fleet.SetUnread(ticket.TicketID, voice.CountSince(messages, cutoff) > 0)
		}
		*seq++
		if fleet.Replace(*seq, tickets, now) {
			board := fleet.Snapshot(now)
			snapshot, err := json.Marshal(board)
			if err == nil && !bytes.Equal(snapshot, *lastFleet) {
				*lastFleet = snapshot
				payload, err := json.Marshal(fleetEnvelope{
					Type:      "fleet.snapshot",
					Tickets:   board,
					CreatedAt: now,
				})
				if err == nil {
					h.Broadcast(payload, hub.Subscription{View: hub.ViewFleet})
				}
			}
		}
	}

	if len(events) == 0 {
		return
	}

	if err := st.UpdateOffset(ctx, consumer, *offset); err != nil {
		log.Printf("update offset error: %v", err)
		return
	}

	// Trim the outbox up to the slowest consumer so replay stays possible
	// for whichever service is behind.
	notifyOffset, err := st.GetOffset(ctx, notify.Consumer)
	if err != nil {
		log.Printf("notification offset error: %v", err)
		return
	}
	if notifyOffset.IsZero() {
		return
	}
	cleanupBefore := offset.LastEventTime
	if notifyOffset.LastEventTime.Before(cleanupBefore) {
		cleanupBefore = notifyOffset.LastEventTime
	}
	if _, err := st.CleanupOutbox(ctx, cleanupBefore); err != nil {
		log.Printf("cleanup outbox error: %v", err)
	}
}
